// Package data implements the durable session store backing the lobby:
// users, games, rooms, match histories and reviews.
//
// Every mutation is a read-modify-write serialized under a per-resource-class
// mutex (one for users, one for games, one for rooms) so concurrent command
// handlers never interleave partial updates on the same class of record,
// while unrelated classes don't contend with each other.
package data

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// SessionStore is the persistence contract consumed by the room engine and
// the connection handlers. Update* methods run fn on a freshly loaded record
// under the class lock and persist the result only if fn returns nil; a nil
// record return (with nil error) from any method means "not found".
type SessionStore interface {
	FindUser(username, role string) (*User, error)
	CreateUser(u *User) error
	UpdateUser(username, role string, fn func(*User) error) (*User, error)
	AddMatchResult(res *MatchResult) error
	MatchHistory(username string) ([]MatchResult, error)

	FindGame(gameID string) (*Game, error)
	ListGames() ([]Game, error)
	UpsertGame(g *Game) error
	UpdateGame(gameID string, fn func(*Game) error) (*Game, error)
	AddReview(review *Review) (*Game, error)

	CreateRoom(room *Room) error
	FindRoom(id uint64) (*Room, error)
	ListRooms() ([]Room, error)
	UpdateRoom(id uint64, fn func(*Room) error) (*Room, error)
	DeleteRoom(id uint64) error
}

// Store is the gorm-backed SessionStore implementation.
type Store struct {
	db *gorm.DB

	userLock sync.Mutex
	gameLock sync.Mutex
	roomLock sync.Mutex
}

var _ SessionStore = (*Store)(nil)

// NewStore wraps an initialized gorm connection. Migration is the caller's
// responsibility (see Initialize).
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) FindUser(username, role string) (*User, error) {
	s.userLock.Lock()
	defer s.userLock.Unlock()
	return s.findUser(username, role)
}

func (s *Store) findUser(username, role string) (*User, error) {
	var user User
	err := s.db.Where("username = ? AND role = ?", username, role).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(u *User) error {
	s.userLock.Lock()
	defer s.userLock.Unlock()

	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = time.Now()
	}
	return s.db.Create(u).Error
}

func (s *Store) UpdateUser(username, role string, fn func(*User) error) (*User, error) {
	s.userLock.Lock()
	defer s.userLock.Unlock()

	user, err := s.findUser(username, role)
	if err != nil || user == nil {
		return nil, err
	}
	if err := fn(user); err != nil {
		return nil, err
	}
	if err := s.db.Save(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) AddMatchResult(res *MatchResult) error {
	s.userLock.Lock()
	defer s.userLock.Unlock()

	if res.PlayedAt.IsZero() {
		res.PlayedAt = time.Now()
	}
	return s.db.Create(res).Error
}

func (s *Store) MatchHistory(username string) ([]MatchResult, error) {
	s.userLock.Lock()
	defer s.userLock.Unlock()

	var history []MatchResult
	err := s.db.Where("username = ?", username).Order("played_at").Find(&history).Error
	return history, err
}

func (s *Store) FindGame(gameID string) (*Game, error) {
	s.gameLock.Lock()
	defer s.gameLock.Unlock()
	return s.findGame(gameID)
}

func (s *Store) findGame(gameID string) (*Game, error) {
	var game Game
	err := s.db.Where("game_id = ?", gameID).First(&game).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &game, nil
}

func (s *Store) ListGames() ([]Game, error) {
	s.gameLock.Lock()
	defer s.gameLock.Unlock()

	var games []Game
	err := s.db.Order("game_id").Find(&games).Error
	return games, err
}

// UpsertGame inserts the game or, if a record with the same game_id exists,
// replaces its manifest fields while preserving the accumulated rating data.
func (s *Store) UpsertGame(g *Game) error {
	s.gameLock.Lock()
	defer s.gameLock.Unlock()

	existing, err := s.findGame(g.GameID)
	if err != nil {
		return err
	}
	if g.UploadedAt.IsZero() {
		g.UploadedAt = time.Now()
	}
	if existing == nil {
		return s.db.Create(g).Error
	}

	g.ID = existing.ID
	g.AverageRating = existing.AverageRating
	g.ReviewCount = existing.ReviewCount
	return s.db.Save(g).Error
}

func (s *Store) UpdateGame(gameID string, fn func(*Game) error) (*Game, error) {
	s.gameLock.Lock()
	defer s.gameLock.Unlock()

	game, err := s.findGame(gameID)
	if err != nil || game == nil {
		return nil, err
	}
	if err := fn(game); err != nil {
		return nil, err
	}
	if err := s.db.Save(game).Error; err != nil {
		return nil, err
	}
	return game, nil
}

// AddReview records a review and folds it into the game's aggregate rating
// in the same critical section.
func (s *Store) AddReview(review *Review) (*Game, error) {
	s.gameLock.Lock()
	defer s.gameLock.Unlock()

	game, err := s.findGame(review.GameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, nil
	}

	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	if err := s.db.Create(review).Error; err != nil {
		return nil, err
	}

	total := game.AverageRating*float64(game.ReviewCount) + float64(review.Score)
	game.ReviewCount++
	game.AverageRating = total / float64(game.ReviewCount)
	if err := s.db.Save(game).Error; err != nil {
		return nil, err
	}
	return game, nil
}

func (s *Store) CreateRoom(room *Room) error {
	s.roomLock.Lock()
	defer s.roomLock.Unlock()

	if room.ID == 0 {
		return fmt.Errorf("room id must be assigned by the caller")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	return s.db.Create(room).Error
}

func (s *Store) FindRoom(id uint64) (*Room, error) {
	s.roomLock.Lock()
	defer s.roomLock.Unlock()
	return s.findRoom(id)
}

func (s *Store) findRoom(id uint64) (*Room, error) {
	var room Room
	err := s.db.First(&room, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRooms() ([]Room, error) {
	s.roomLock.Lock()
	defer s.roomLock.Unlock()

	var rooms []Room
	err := s.db.Order("id").Find(&rooms).Error
	return rooms, err
}

func (s *Store) UpdateRoom(id uint64, fn func(*Room) error) (*Room, error) {
	s.roomLock.Lock()
	defer s.roomLock.Unlock()

	room, err := s.findRoom(id)
	if err != nil || room == nil {
		return nil, err
	}
	if err := fn(room); err != nil {
		return nil, err
	}
	if err := s.db.Save(room).Error; err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Store) DeleteRoom(id uint64) error {
	s.roomLock.Lock()
	defer s.roomLock.Unlock()
	return s.db.Delete(&Room{}, id).Error
}
