package adapters

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrTransient        = errors.New("transient delivery failure")
	ErrPermanent        = errors.New("permanent delivery failure")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownPlatform  = errors.New("unknown platform")
)

type MalformedPayloadError struct {
	Platform string
	Reason   string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed payload: %s: %v", e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: malformed payload: %s", e.Platform, e.Reason)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

func malformed(platform, reason string, err error) error {
	return &MalformedPayloadError{Platform: platform, Reason: reason, Err: err}
}

type DeliveryClass string

const (
	ClassTransient DeliveryClass = "transient"
	ClassPermanent DeliveryClass = "permanent"
)

// DeliveryError is the only error ApplyChange returns. Class decides
// whether the engine retries.
type DeliveryError struct {
	Platform   string
	Class      DeliveryClass
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s delivery failed (%s)", e.Platform, e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DeliveryError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrPermanent:
		return e.Class == ClassPermanent
	default:
		return false
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to a delivery class.
func ClassifyStatus(code int) DeliveryClass {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500 && code <= 599:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

func transientError(platform string, err error) *DeliveryError {
	return &DeliveryError{Platform: platform, Class: ClassTransient, Err: err}
}

func permanentError(platform, message string) *DeliveryError {
	return &DeliveryError{Platform: platform, Class: ClassPermanent, Message: message}
}

// AsDeliveryError extracts the classification from err. Unclassified errors
// are treated as transient.
func AsDeliveryError(platform string, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr
	}
	return transientError(platform, err)
}
