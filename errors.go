package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for engine lifecycle misuse.
var (
	// ErrNotConnected is returned when an operation requires a live transport.
	ErrNotConnected = errors.New("chatsync: transport not connected")

	// ErrEngineClosed is returned by operations on a closed conversation engine.
	ErrEngineClosed = errors.New("chatsync: conversation engine closed")

	// ErrSendInFlight is returned by Retry while an attempt for the same
	// local id is still awaiting confirmation.
	ErrSendInFlight = errors.New("chatsync: send already in flight for local id")

	// ErrUnknownLocalID is returned when a retry or rollback targets a local
	// id the store does not hold.
	ErrUnknownLocalID = errors.New("chatsync: unknown local id")

	// ErrNotFailed is returned when a retry or rollback targets a message
	// that is not in the failed state.
	ErrNotFailed = errors.New("chatsync: message is not in failed state")
)

// TransientFetchError wraps a failed history page fetch. It is retriable and
// the existing message list is always preserved.
type TransientFetchError struct {
	ConversationID string
	Page           int
	Err            error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("history fetch for conversation %s page %d failed: %v", e.ConversationID, e.Page, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// SendTimeoutError reports that no confirmation arrived within the bounded
// wait. The message is marked failed and retriable via Retry.
type SendTimeoutError struct {
	LocalID string
	Wait    time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("no confirmation for %s within %s", e.LocalID, e.Wait)
}

// ValidationError reports content rejected by policy before send. No pending
// entry is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("content rejected: %s", e.Reason)
}
