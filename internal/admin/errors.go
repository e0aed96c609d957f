package admin

import "errors"

// Sentinel errors for admin verb validation failures. Unlike the connect-rpc
// status-wrapped errors this style is grounded on, these carry no transport
// status code of their own — every admin response is HTTP 200 with a JSON
// status/error body, so the code that matters is in the body, not the
// response line.
var (
	ErrInvalidChannel      = errors.New("invalid channel")
	ErrInvalidUID          = errors.New("invalid uid")
	ErrChannelExists       = errors.New("channel already exists")
	ErrChannelNotFound     = errors.New("channel does not exist")
	ErrNoActiveSession     = errors.New("uid has no active session")
	ErrNoActiveAuthSession = errors.New("authToken has no active session")
	ErrMissingTarget       = errors.New("channel or broadcast required")
)
