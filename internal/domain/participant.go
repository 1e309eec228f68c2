// Package domain contains the persisted entities and their membership rules.
package domain

import "fmt"

const (
	MaxDisplayNameLen = 36
	MaxTitleLen       = 72
)

// Role is a participant's position inside one room.
type Role string

const (
	RoleNone     Role = ""
	RoleListener Role = "listener"
	RoleRaised   Role = "raised"
	RoleSpeaker  Role = "speaker"
)

// Participant is one entry in the raised-hands queue or the listener set.
// Session identifies the participant; the display name is presentation only
// and is never used to match people.
type Participant struct {
	SessionID   int64  `bson:"sessionId" json:"sessionId"`
	DisplayName string `bson:"displayName" json:"displayName"`
}

// Speaker is a participant with publish rights.
type Speaker struct {
	SessionID   int64  `bson:"sessionId" json:"sessionId"`
	DisplayName string `bson:"displayName" json:"displayName"`
	Muted       bool   `bson:"muted" json:"muted"`
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: display name empty", ErrValidation)
	}
	if len(name) > MaxDisplayNameLen {
		return fmt.Errorf("%w: display name too long", ErrValidation)
	}
	return nil
}

func ValidateTitle(title string) error {
	if len(title) == 0 {
		return fmt.Errorf("%w: title empty", ErrValidation)
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("%w: title too long", ErrValidation)
	}
	return nil
}
