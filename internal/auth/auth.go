// Package auth implements the credential checks delegated to the session
// store by both the lobby and developer services.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/parlorhq/parlor/internal/core/data"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountExists      = errors.New("an account with that username already exists")
	ErrAlreadyOnline      = errors.New("this account is already logged in from another connection")
)

// Login verifies the credentials and flips the account's online flag,
// rejecting a second concurrent login for the same account. The flag flip
// happens under the user store lock so two racing logins serialize.
func Login(store data.SessionStore, username, password, role string) (*data.User, error) {
	if _, err := VerifyUser(store, username, password, role); err != nil {
		return nil, err
	}

	updated, err := store.UpdateUser(username, role, func(u *data.User) error {
		if u.Online {
			return ErrAlreadyOnline
		}
		u.Online = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrInvalidCredentials
	}
	return updated, nil
}

// Logout clears the account's online flag. Safe to call for accounts that
// were never marked online.
func Logout(store data.SessionStore, username, role string) {
	_, _ = store.UpdateUser(username, role, func(u *data.User) error {
		u.Online = false
		return nil
	})
}

// VerifyUser checks the users table for the specified credentials
// combination under the given role.
func VerifyUser(store data.SessionStore, username, password, role string) (*data.User, error) {
	user, err := store.FindUser(username, role)
	if err != nil {
		return nil, ErrUnknown
	}

	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// CreateUser hashes the password and creates a new account record under the
// given role, returning either the result or any errors encountered.
func CreateUser(store data.SessionStore, username, password, role string) (*data.User, error) {
	existing, err := store.FindUser(username, role)
	if err != nil {
		return nil, ErrUnknown
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &data.User{
		Username: username,
		Password: hash,
		Role:     role,
	}
	if err := store.CreateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
