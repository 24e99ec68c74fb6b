package data

import (
	"time"
)

// Room statuses.
const (
	RoomStatusWaiting = "waiting"
	RoomStatusPlaying = "playing"
)

// User roles.
const (
	RolePlayer    = "player"
	RoleDeveloper = "developer"
)

// User contains the credentials and presence state of a registered user.
type User struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex:idx_user_role;not null"`
	Role     string `gorm:"uniqueIndex:idx_user_role;not null"`
	Password string `gorm:"not null"`
	// Online is set on login and cleared on disconnect; it gates duplicate
	// concurrent logins for the same account.
	Online       bool `gorm:"default:false"`
	RegisteredAt time.Time
}

// MatchResult is one entry in a player's match history.
type MatchResult struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"index;not null"`
	GameID   string `gorm:"not null"`
	Result   string
	PlayedAt time.Time
}

// Game is the record of an uploaded game package.
type Game struct {
	ID          uint64 `gorm:"primaryKey"`
	GameID      string `gorm:"unique;not null"`
	Name        string
	Version     string
	Description string
	MinPlayers  int
	MaxPlayers  int
	// Executable paths relative to the package root, from the manifest.
	ServerExe  string
	ClientExe  string
	ServerArgs string
	ClientArgs string
	// Path of the stored package relative to the games directory,
	// e.g. "snake/1.2.0".
	Path     string
	Uploader string
	// Available is cleared when a developer deletes the game; unavailable
	// games are hidden from listings and can't be played or downloaded.
	Available bool `gorm:"default:true"`

	AverageRating float64
	ReviewCount   int
	UploadedAt    time.Time
}

// Review is a player's rating of a game.
type Review struct {
	ID        uint64 `gorm:"primaryKey"`
	GameID    string `gorm:"index;not null"`
	Username  string
	Score     int
	Comment   string
	CreatedAt time.Time
}

// Room is a matchmaking unit grouping players around one game instance.
// The primary key is assigned by the room engine's monotonic counter rather
// than the database.
type Room struct {
	ID     uint64 `gorm:"primaryKey"`
	GameID string `gorm:"not null"`
	Host   string `gorm:"not null"`
	Status string `gorm:"not null"`
	// Members in join order; the ordering drives host promotion.
	Members []string `gorm:"serializer:json"`
	// Ready holds the usernames of non-host members who have voted ready.
	Ready      []string `gorm:"serializer:json"`
	MaxPlayers int
	// Port the game server for this room was launched on, 0 while waiting.
	Port      int
	CreatedAt time.Time
}

// IsMember reports whether username belongs to the room.
func (r *Room) IsMember(username string) bool {
	for _, m := range r.Members {
		if m == username {
			return true
		}
	}
	return false
}

// IsReady reports whether username has voted ready.
func (r *Room) IsReady(username string) bool {
	for _, m := range r.Ready {
		if m == username {
			return true
		}
	}
	return false
}

// RemoveMember deletes username from the member list and the ready set,
// preserving join order of the remaining members.
func (r *Room) RemoveMember(username string) {
	members := r.Members[:0]
	for _, m := range r.Members {
		if m != username {
			members = append(members, m)
		}
	}
	r.Members = members

	ready := r.Ready[:0]
	for _, m := range r.Ready {
		if m != username {
			ready = append(ready, m)
		}
	}
	r.Ready = ready
}
