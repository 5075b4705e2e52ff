// Package services implements the sync core: the profile cache, the room
// directory, direct-message sessions, the room channel, the notification
// feed and the friend workflow that feeds it.
//
// This file centralizes the service-level error kinds. Every mutation
// returns one of them (possibly wrapped) so that callers can tell "sign in"
// from "not allowed" from "try again"; handlers map them to HTTP statuses.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-chat-sync/internal/store"
)

var (
	// ErrAuthRequired is returned when a mutation is attempted without a
	// current identity.
	ErrAuthRequired = errors.New("sign-in required")

	// ErrNotFound indicates that a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermission is returned when an ownership or default-room rule
	// forbids the mutation.
	ErrPermission = errors.New("permission denied")

	// ErrAlreadyExists is returned for duplicate friend requests and
	// friendships.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTimeout indicates a bounded remote operation exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrTransientStore wraps store failures with no specific
	// classification. Retrying may succeed.
	ErrTransientStore = errors.New("store unavailable")

	// ErrInvalidInput is returned for empty text, empty titles and
	// self-targeted requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotPending is returned when a friend request has already been
	// accepted or rejected.
	ErrNotPending = errors.New("request is not pending")
)

var kinds = []error{
	ErrAuthRequired, ErrNotFound, ErrPermission, ErrAlreadyExists,
	ErrTimeout, ErrTransientStore, ErrInvalidInput, ErrNotPending,
}

// classify maps a store error onto the service error kinds, prefixing op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
