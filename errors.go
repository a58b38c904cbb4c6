package waveline

import "errors"

// ErrNotConnected is returned by Channel.Publish (and Store.SendMessage,
// which delegates to it) when the realtime channel is not in the connected
// state. Message loss must be visible to the caller, so this is never
// swallowed.
var ErrNotConnected = errors.New("waveline: realtime channel not connected")

// APIError is a structured error body returned by the Waveline API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
