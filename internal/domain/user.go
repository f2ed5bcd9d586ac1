// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type UserID string

func (id UserID) String() string { return string(id) }

// Less orders ids lexicographically. Used as the glare tie-break.
func (id UserID) Less(other UserID) bool { return strings.Compare(string(id), string(other)) < 0 }

func ParseUserID(s string) (UserID, error) {
	if s == "" {
		return "", ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(s), nil
}

// User is the display metadata of a participant.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
}

func (u *User) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = name
	return nil
}
