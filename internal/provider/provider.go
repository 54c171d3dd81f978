// Package provider implements the generation adapters: a synchronous image
// call, a direct asynchronous video poll, and a proxy-mediated asynchronous
// video poll, behind one uniform contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request carries the resolved inputs of one generation call.
type Request struct {
	Prompt          string
	ReferenceImages [][]byte
	AspectRatio     string
	Model           string
	Duration        int // seconds, video only
}

// Result is a fully validated generation payload. Only complete artifacts are
// ever returned; partial or malformed responses fail with an error instead.
type Result struct {
	Data []byte
	MIME string
}

// Generator is the uniform contract over the three remote shapes.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Kind classifies a generation failure for per-node display.
type Kind string

const (
	KindMissingCredentials Kind = "missing_credentials"
	KindInvalidInput       Kind = "invalid_input"
	KindProviderRejected   Kind = "provider_rejected"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Status int    // HTTP status for provider_rejected, 0 otherwise
	Body   string // response body excerpt for provider_rejected
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error into the taxonomy. Context cancellation maps to
// cancelled; everything unclassified is unknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// quotaPatterns flag quota-class failures for differentiated display only;
// matching never changes retry behavior.
var quotaPatterns = []string{"quota", "resource exhausted", "resource_exhausted", "rate limit", "billing"}

// IsQuota reports whether the error message looks like a quota failure.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range quotaPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether the provider answered HTTP 429. Such calls
// are the only ones worth a bounded retry.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindProviderRejected && pe.Status == 429
}

func rejected(status int, body []byte) *Error {
	excerpt := string(body)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	return &Error{
		Kind:   KindProviderRejected,
		Status: status,
		Body:   excerpt,
		Msg:    fmt.Sprintf("provider returned status %d: %s", status, excerpt),
	}
}
