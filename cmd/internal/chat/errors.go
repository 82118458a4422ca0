package chat

import "errors"

var (
	// ErrMalformedPayload is returned when a provider webhook body does not
	// match the expected nested shape or discriminator.
	ErrMalformedPayload = errors.New("malformed provider payload")

	// ErrInvalidRequest is returned when a local send request is missing
	// required fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMessageNotFound is returned for a status update whose external id is
	// unknown. The engine does not buffer early status events; the provider
	// retries.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationNotFound is returned when no summary exists for a key.
	ErrConversationNotFound = errors.New("conversation not found")
)
