package domain

import "errors"

var (
	ErrInvalidURL       = errors.New("endpoint url must be an absolute http or https url")
	ErrInvalidEventType = errors.New("unknown event type")
	ErrInvalidOwner     = errors.New("owner id is required")
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
)
