package ai

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable = errors.New("ai: service unreachable")
	ErrTimeout     = errors.New("ai: setup timed out")
)

// UpstreamError is a non-2xx answer from the agent service. Body is kept for
// logs and never sent to clients.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ai: upstream status %d", e.StatusCode)
}

type transportError struct {
	kind error
	err  error
}

func (e *transportError) Error() string { return fmt.Sprintf("%v: %v", e.kind, e.err) }

func (e *transportError) Unwrap() []error { return []error{e.kind, e.err} }

func fail(kind, err error) error { return &transportError{kind: kind, err: err} }

// Code maps an upstream failure to the code clients see.
func Code(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrTimeout):
		return "AI_TIMEOUT"
	case errors.Is(err, ErrUnreachable):
		return "AI_UNREACHABLE"
	case errors.As(err, &upstream):
		return "AI_UPSTREAM_ERROR"
	default:
		return "AI_ERROR"
	}
}

// Message is the client-safe text for Code(err).
func Message(err error) string {
	switch Code(err) {
	case "AI_TIMEOUT":
		return "AI service did not respond in time"
	case "AI_UNREACHABLE":
		return "AI service is unavailable"
	case "AI_UPSTREAM_ERROR":
		return "AI service returned an error"
	default:
		return "AI request failed"
	}
}
