package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTransferAborted indicates the peer closed the connection mid-transfer.
var ErrTransferAborted = errors.New("file transfer aborted by peer")

const transferChunkSize = 4096

// SendFile streams the file at path to w: first a header frame carrying the
// base filename and size, then the raw bytes. A missing or unreadable file
// is reported to the peer as an error frame instead of a header.
func SendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		sendErr := WriteMessage(w, Error(fmt.Sprintf("file %s is not available", filepath.Base(path))))
		if sendErr != nil {
			return sendErr
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &Message{
		Cmd:      CmdFileHeader,
		Status:   StatusOK,
		Filename: filepath.Base(path),
		Size:     info.Size(),
	}
	if err := WriteMessage(w, header); err != nil {
		return err
	}

	buf := make([]byte, transferChunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return err
	}
	return nil
}

// ReceiveFile reads one file transfer from r into dir, returning the path
// of the written file. The header's filename has any directory components
// stripped, so a peer cannot write outside dir. A connection close before
// all announced bytes arrive removes the partial file and returns
// ErrTransferAborted.
func ReceiveFile(r io.Reader, dir string) (string, error) {
	header, err := ReadMessage(r)
	if err != nil {
		return "", err
	}
	if header.Status != StatusOK {
		return "", fmt.Errorf("peer refused transfer: %s", header.Msg)
	}
	if header.Filename == "" || header.Size < 0 {
		return "", fmt.Errorf("%w: bad transfer header", ErrMalformedMessage)
	}

	dest := filepath.Join(dir, filepath.Base(header.Filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}

	_, err = io.CopyN(f, r, header.Size)
	closeErr := f.Close()
	if err != nil {
		os.Remove(dest)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", ErrTransferAborted
		}
		return "", err
	}
	if closeErr != nil {
		os.Remove(dest)
		return "", closeErr
	}
	return dest, nil
}
