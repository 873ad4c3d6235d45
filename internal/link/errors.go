package link

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("link: not connected")
	ErrWriteRejected     = errors.New("link: write rejected")
	ErrNoTarget          = errors.New("link: no target; run discover first or no saved device")
	ErrTargetNotFound    = errors.New("link: target not found during re-scan")
	ErrServiceNotFound   = errors.New("link: service not found")
	ErrCharMissing       = errors.New("link: rx/tx characteristic missing")
	ErrNotifyUnsupported = errors.New("link: tx characteristic does not support notify")
	ErrDescriptorMissing = errors.New("link: configuration descriptor not found")
	ErrSubscribeFailed   = errors.New("link: all negotiation tiers failed")
	ErrSecurityTimeout   = errors.New("link: security did not complete in time")
	ErrBudgetExceeded    = errors.New("link: retry budget exceeded")
)

// TransportError wraps a failed transport primitive.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("link: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type SubscriptionError struct {
	Reason string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("link: subscription: %s: %v", e.Reason, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// SecurityError means authentication completed without encryption. The bond
// for Address is invalid.
type SecurityError struct {
	Address Address
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("link: authentication with %s completed without encryption", e.Address)
}

type BudgetExceededError struct {
	Retries int
	Last    error
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("link: retry budget exceeded after %d attempts: %v", e.Retries, e.Last)
}

func (e *BudgetExceededError) Unwrap() []error { return []error{ErrBudgetExceeded, e.Last} }
