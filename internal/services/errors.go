// Package services defines the business logic for users, chats, and messages.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into HTTP status codes or relay log lines is performed by the
// http handlers and the relay dispatcher respectively.
package services

import "errors"

var (
	// ErrChatNotFound indicates that the requested chat does not exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrUserNotFound indicates that no user is stored under the given id.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmptyChatID is returned when an operation needs a chat id and none
	// was supplied.
	ErrEmptyChatID = errors.New("chat id is empty")

	// ErrEmptyUsername is returned when a user is ensured without a name.
	ErrEmptyUsername = errors.New("username is empty")

	// ErrAmbiguousMessage is returned by UpdateMessage when the id is unknown
	// and more than one stored message matches the sender/chat/time fallback.
	ErrAmbiguousMessage = errors.New("ambiguous message match")
)

// DecryptFailedPlaceholder replaces a history entry whose stored copy could
// not be decrypted for the reader.
const DecryptFailedPlaceholder = "[unable to decrypt message]"
