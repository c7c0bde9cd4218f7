package store

import (
	"errors"
	"time"
)

// ErrDuplicate is returned when a unique column (display name, email) is
// already taken.
var ErrDuplicate = errors.New("already exists")

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
