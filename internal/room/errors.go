package room

import "errors"

// Validation errors returned to the issuing connection. These are never
// broadcast; failures discovered after the room has transitioned (launch
// failures) are broadcast to the whole room instead.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrGameInProgress   = errors.New("game is already in progress")
	ErrAlreadyMember    = errors.New("already in this room")
	ErrGameUnavailable  = errors.New("game is unavailable")
	ErrNotHost          = errors.New("only the host can start the game")
	ErrNotAllReady      = errors.New("not all players are ready")
	ErrNotEnoughPlayers = errors.New("not enough players to start")
)
