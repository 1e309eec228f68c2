package domain

import "errors"

// Sentinel errors shared across the service and transport layers.
// The HTTP adapter maps these onto status codes.
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrForbidden       = errors.New("forbidden: owner only")
	ErrNotMember       = errors.New("participant not in room")
	ErrAlreadySpeaker  = errors.New("participant is already a speaker")
	ErrSpeakerLimit    = errors.New("speaker limit reached")
	ErrValidation      = errors.New("invalid input")
	ErrNotConfigured   = errors.New("rtc provider credentials not configured")
	ErrVersionConflict = errors.New("room version conflict")
)
