package connector

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies connector and send failures.
type Kind int

const (
	// KindUnknown is treated like a transport failure.
	KindUnknown Kind = iota
	// KindTransportDown is transient; the session reconnects.
	KindTransportDown
	// KindAuthInvalid means the token was rejected and refresh did not help.
	KindAuthInvalid
	// KindAuthTransient is a network failure during refresh; the credential stays valid.
	KindAuthTransient
	// KindSubscriptionRejected means the platform refused the event subscription.
	KindSubscriptionRejected
	// KindQuotaExhausted means a REST quota ran out; the session stops.
	KindQuotaExhausted
	// KindParseError is a single-frame failure; the session continues.
	KindParseError
	// KindSendFailed is returned to send callers.
	KindSendFailed
	// KindUnsupported marks operations a platform does not offer.
	KindUnsupported
)

// String returns the wire name used in status events.
func (k Kind) String() string {
	switch k {
	case KindTransportDown:
		return "TransportDown"
	case KindAuthInvalid:
		return "AuthInvalid"
	case KindAuthTransient:
		return "AuthTransient"
	case KindSubscriptionRejected:
		return "SubscriptionRejected"
	case KindQuotaExhausted:
		return "QuotaExhausted"
	case KindParseError:
		return "ParseError"
	case KindSendFailed:
		return "SendFailed"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Terminal reports whether a session must stop instead of reconnecting.
func (k Kind) Terminal() bool {
	switch k {
	case KindSubscriptionRejected, KindQuotaExhausted, KindUnsupported:
		return true
	}
	return false
}

// Error is a classified failure. Reason carries the platform-specific detail
// surfaced in status events (for SendFailed it is "bot" or "streamer").
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Reason == "" && t.Err == nil
	}
	return false
}

var (
	// ErrNotReady is returned by senders whose transport is not subscribed yet.
	ErrNotReady = errors.New("sender not ready")
	// ErrUnsupported is returned for operations the platform does not offer.
	ErrUnsupported error = &Error{Kind: KindUnsupported}
)

func newErr(k Kind, reason string, err error) *Error { return &Error{Kind: k, Reason: reason, Err: err} }

func Transport(err error) error { return newErr(KindTransportDown, "", err) }

func AuthInvalid(reason string, err error) error { return newErr(KindAuthInvalid, reason, err) }

func AuthTransient(err error) error { return newErr(KindAuthTransient, "", err) }

func SubscriptionRejected(reason string, err error) error {
	return newErr(KindSubscriptionRejected, reason, err)
}

func QuotaExhausted(reason string, err error) error { return newErr(KindQuotaExhausted, reason, err) }

func ParseError(err error) error { return newErr(KindParseError, "", err) }

// SendFailed tags a send failure with the identity ("bot" or "streamer") that failed.
func SendFailed(identity string, err error) error { return newErr(KindSendFailed, identity, err) }

func Unsupported(op string) error { return newErr(KindUnsupported, op, nil) }

// KindOf extracts the Kind of err, KindUnknown if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// ReasonOf returns the Reason of a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// StatusError is a non-2xx HTTP response from a platform API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Body)
}

// CheckResponse returns a *StatusError for non-2xx responses, reading at most
// 4 KiB of body for diagnostics.
func CheckResponse(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Classify maps an HTTP-ish failure onto a Kind.
//
// Auth: HTTP 401, "invalid oauth token", "login authentication failed".
// Quota: "quotaexceeded", "quota exceeded".
// Transport: 5xx, 429, timeouts, connection resets and everything unknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if k := KindOf(err); k != KindUnknown {
		return k
	}
	var se *StatusError
	if errors.As(err, &se) {
		lower := strings.ToLower(se.Body)
		switch {
		case se.Status == http.StatusUnauthorized:
			return KindAuthInvalid
		case strings.Contains(lower, "quotaexceeded") || strings.Contains(lower, "quota exceeded"):
			return KindQuotaExhausted
		case se.Status == http.StatusTooManyRequests || se.Status >= 500:
			return KindTransportDown
		}
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "login authentication failed"),
		strings.Contains(lower, "improperly formatted auth"),
		strings.Contains(lower, "invalid oauth token"):
		return KindAuthInvalid
	case strings.Contains(lower, "quotaexceeded"), strings.Contains(lower, "quota exceeded"):
		return KindQuotaExhausted
	}
	return KindTransportDown
}
