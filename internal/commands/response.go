package commands

import (
	"errors"

	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
)

// Response states carried in every command reply.
const (
	StateOK             = 0
	StateNotAttached    = -1
	StateFailed         = -2
	StateNotFound       = -3
	StateInvalidRequest = -4
)

var (
	// ErrNotFound is returned when a device or group does not exist or has
	// the wrong kind.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for malformed or out-of-range payloads.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownCommand is returned for a name with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")
)

// Reply is the result of a command.
type Reply interface {
	Code() int
	Message() string
}

// Status is embedded in every reply.
type Status struct {
	ResponseState int    `json:"responseState"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// Code implements Reply.
func (s Status) Code() int { return s.ResponseState }

// Message implements Reply.
func (s Status) Message() string { return s.ErrorMessage }

// OK is the status of a successful command.
func OK() Status { return Status{ResponseState: StateOK} }

// Fail maps an error to its response state.
func Fail(err error) Status {
	return Status{ResponseState: StateOf(err), ErrorMessage: err.Error()}
}

// StateOf returns the response state for an error.
func StateOf(err error) int {
	switch {
	case err == nil:
		return StateOK
	case errors.Is(err, lifecycle.ErrNotAttached):
		return StateNotAttached
	case errors.Is(err, ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		return StateNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownCommand):
		return StateInvalidRequest
	default:
		return StateFailed
	}
}
