// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"

	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

var (
	// ErrSourceUnverifiable means a notification delivery carried a missing
	// or wrong clientState.
	ErrSourceUnverifiable = errors.New("notification source could not be verified")
	// ErrNotFound marks a relay step that found no room, mapping, identity or
	// credential to act on. Callers drop the event.
	ErrNotFound = errors.New("not found")
	// ErrNoDelegate means a bridged room has no delegate to relay through.
	ErrNoDelegate = errors.New("room has no delegate")
	// ErrDelegateCredentialInvalid means the room delegate's credential could
	// not be refreshed. The delegate has been cleared.
	ErrDelegateCredentialInvalid = errors.New("delegate credential is invalid")
	// ErrNoRemoteIdentity means not enough room members map to Teams users
	// to create a chat.
	ErrNoRemoteIdentity = errors.New("not enough members with a Teams identity")
	// ErrLoginFailed is returned when the OAuth redirect carries an error or
	// no code.
	ErrLoginFailed = errors.New("login failed")
	// ErrInvalidState is returned for a tampered or expired OAuth state.
	ErrInvalidState = errors.New("invalid login state")
	// ErrRemoteIdentityTaken is returned when the Teams account is already
	// linked to another Mattermost user.
	ErrRemoteIdentityTaken = errors.New("teams account is linked to another user")
)

// ConfigInvariantError reports bridge state that contradicts itself, such as a
// bridged room without a usable delegate. It is fatal for the operation.
type ConfigInvariantError struct {
	RoomID string
	Err    error
}

func (e *ConfigInvariantError) Error() string {
	return fmt.Sprintf("invalid bridge state for room %s: %v", e.RoomID, e.Err)
}

func (e *ConfigInvariantError) Unwrap() error {
	return e.Err
}

// UpstreamError wraps a failed Graph call with the operation it belonged to.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusCode returns the Graph HTTP status behind the error, or 0.
func (e *UpstreamError) StatusCode() int {
	return msgraph.StatusCode(e.Err)
}

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Op: op, Err: err}
}
