package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedMessage indicates bytes that cannot be decoded as a frame:
// an oversized length prefix or a payload that is not valid JSON.
var ErrMalformedMessage = errors.New("malformed message")

// MaxMessageSize bounds the length prefix a peer may send. Control frames
// are tiny; anything near this limit is a corrupt or hostile stream.
const MaxMessageSize = 16 << 20

// ReadMessage reads one length-prefixed JSON frame from r. A close by the
// peer before a full frame was read returns io.EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedMessage, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	msg := &Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// WriteMessage encodes msg as JSON and writes it to w behind a big-endian
// length prefix.
func WriteMessage(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
