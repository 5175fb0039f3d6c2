package domain

import "errors"

var (
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidEvent        = errors.New("invalid_reconcile_event")
	ErrUnknownSubscription = errors.New("unknown_subscription")
)
