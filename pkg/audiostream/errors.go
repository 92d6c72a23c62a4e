package audiostream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrReaderClosed is the cancellation cause when the consumer closes the
// stream before it ended.
var ErrReaderClosed = errors.New("audiostream: reader closed")

// StreamError is the single error surfaced on a stream that failed.
type StreamError struct {
	// Code is a short machine-readable error code, if known.
	Code string

	// StatusCode and Status describe the HTTP response that failed, if any.
	StatusCode int
	Status     string

	// Message is the human-readable failure description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error formats the failure as
// "[PlayHT SDK] Error <code> - <status> <statusText> - <message>", omitting
// the status and message parts when they are unknown.
func (e *StreamError) Error() string {
	if e.Code == "" && e.StatusCode == 0 && e.Status == "" && e.Message == "" {
		return "Error generating audio stream."
	}
	var b strings.Builder
	b.WriteString("[PlayHT SDK] Error ")
	b.WriteString(e.Code)
	if e.StatusCode != 0 || e.Status != "" {
		b.WriteString(" - ")
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, "%d", e.StatusCode)
		}
		b.WriteString(" ")
		b.WriteString(e.Status)
	}
	if e.Message != "" {
		b.WriteString(" - ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *StreamError) Unwrap() error { return e.Err }

// coder is implemented by errors that carry a machine-readable code.
type coder interface {
	ErrorCode() string
}

// httpStatuser is implemented by errors that describe a failed HTTP response.
type httpStatuser interface {
	HTTPStatus() (code int, text string)
}

// messager is implemented by errors that carry a server-provided message.
type messager interface {
	ErrorMessage() string
}

// describe converts err into a [StreamError]. An existing StreamError is
// returned unchanged.
func describe(err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}

	out := &StreamError{Err: err, Message: err.Error()}
	var c coder
	if errors.As(err, &c) {
		out.Code = c.ErrorCode()
	}
	var h httpStatuser
	if errors.As(err, &h) {
		out.StatusCode, out.Status = h.HTTPStatus()
	}
	var m messager
	if errors.As(err, &m) && m.ErrorMessage() != "" {
		out.Message = m.ErrorMessage()
	}
	if out.Code == "" {
		switch {
		case errors.Is(err, context.Canceled):
			out.Code = "ERR_CANCELED"
		case errors.Is(err, context.DeadlineExceeded):
			out.Code = "ETIMEDOUT"
		}
	}
	return out
}
