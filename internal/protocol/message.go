// Package protocol defines the wire format shared by the lobby and
// developer services: length-prefixed JSON messages plus a raw-byte file
// transfer sub-protocol.
package protocol

// Commands accepted or emitted by the lobby service.
const (
	CmdRegister          = "register"
	CmdLogin             = "login"
	CmdListGames         = "list_games"
	CmdListRooms         = "list_rooms"
	CmdCreateRoom        = "create_room"
	CmdJoinRoom          = "join_room"
	CmdLeaveRoom         = "leave_room"
	CmdGetHost           = "get_host"
	CmdReady             = "ready"
	CmdStartGame         = "start_game"
	CmdClientStartFailed = "client_start_failed"
	CmdEndGame           = "end_game"
	CmdDownloadGame      = "download_game"
	CmdCompareVersion    = "compare_version"
	CmdPlayedGameList    = "played_game_list"
	CmdSubmitReview      = "submit_review"

	// Commands accepted by the developer service.
	CmdUploadGame = "upload_game"
	CmdDeleteGame = "delete_game"
	CmdMyGames    = "my_games"

	// Server-initiated notifications.
	CmdPlayerJoined    = "player_joined"
	CmdPlayerLeft      = "player_left"
	CmdPlayerReady     = "player_ready"
	CmdHostChanged     = "host_changed"
	CmdGameStart       = "game_start"
	CmdGameStartFailed = "game_start_failed"
	CmdStartGameError  = "start_game_error"
	CmdGameEnded       = "game_ended"

	// CmdFileHeader precedes the raw bytes of a file transfer.
	CmdFileHeader = "file_download_header"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
	// StatusReadyToReceive acknowledges a transfer handshake: the sender of
	// this frame is ready for the raw file bytes.
	StatusReadyToReceive = "ready_to_receive"
)

// GameInfo is the catalog entry returned by list_games, my_games and
// played_game_list.
type GameInfo struct {
	GameID        string  `json:"game_id"`
	Name          string  `json:"name"`
	Uploader      string  `json:"uploader"`
	Version       string  `json:"version"`
	Description   string  `json:"description,omitempty"`
	MinPlayers    int     `json:"min_players"`
	MaxPlayers    int     `json:"max_players"`
	AverageRating float64 `json:"average_rating"`
	Reviews       int     `json:"reviews"`
}

// RoomInfo is the summary returned by list_rooms.
type RoomInfo struct {
	RoomID     uint64   `json:"room_id"`
	GameID     string   `json:"game_id"`
	Host       string   `json:"host"`
	Status     string   `json:"status"`
	Members    []string `json:"members"`
	MaxPlayers int      `json:"max_players"`
}

// MatchRecord is one entry in a player's match history.
type MatchRecord struct {
	GameID   string `json:"game_id"`
	Result   string `json:"result"`
	PlayedAt string `json:"played_at"`
}

// Message is the single frame type both services exchange. All fields are
// optional; which ones are populated depends on Cmd (requests and
// notifications) or Status (replies). Unknown fields are ignored on decode
// so older clients can talk to newer servers.
type Message struct {
	Cmd    string `json:"cmd,omitempty"`
	Status string `json:"status,omitempty"`
	Msg    string `json:"msg,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	GameID  string `json:"game_id,omitempty"`
	Version string `json:"version,omitempty"`
	Latest  string `json:"latest,omitempty"`

	RoomID uint64 `json:"room_id,omitempty"`
	Host   *bool  `json:"host,omitempty"`

	// game_start payload.
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	GamePath   string `json:"game_path,omitempty"`
	ClientExe  string `json:"client_exe,omitempty"`
	ClientArgs string `json:"client_args,omitempty"`

	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`

	Games []GameInfo `json:"games,omitempty"`
	Rooms []RoomInfo `json:"rooms,omitempty"`
	// PlayedGames carries the distinct games in the caller's match history;
	// History carries the per-match records.
	PlayedGames []GameInfo    `json:"played_games,omitempty"`
	History     []MatchRecord `json:"history,omitempty"`

	Score   int    `json:"score,omitempty"`
	Comment string `json:"comment,omitempty"`

	// File transfer and upload manifest fields. FileSize announces a
	// pending download in the pre-transfer handshake; Size rides on the
	// transfer header itself.
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MinPlayers  int    `json:"min_players,omitempty"`
	MaxPlayers  int    `json:"max_players,omitempty"`
	ServerExe   string `json:"server_exe,omitempty"`
	ServerArgs  string `json:"server_args,omitempty"`
}

// OK builds a success reply carrying msg.
func OK(msg string) *Message {
	return &Message{Status: StatusOK, Msg: msg}
}

// Error builds an error reply carrying msg.
func Error(msg string) *Message {
	return &Message{Status: StatusError, Msg: msg}
}
