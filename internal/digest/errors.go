package digest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Stage names the transform step that failed.
type Stage string

// Transform stages.
const (
	StageFetch     Stage = "fetch"
	StageSummarize Stage = "summarize"
)

// FailureKind classifies why a transform step produced nothing.
type FailureKind string

// Failure kinds.
const (
	KindNoContent FailureKind = "no_content"
	KindNetwork   FailureKind = "network"
	KindStatus    FailureKind = "status"
	KindParse     FailureKind = "parse"
	KindTimeout   FailureKind = "timeout"
	KindBlocked   FailureKind = "blocked"
)

// TransformError is returned by fetchers and summarizers.
type TransformError struct {
	Stage Stage
	Kind  FailureKind
	URL   string
	Err   error
}

func (e *TransformError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Stage, e.URL, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Stage, e.URL, e.Kind, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// NoContent builds the error for an empty but otherwise successful result.
func NoContent(stage Stage, url string) *TransformError {
	return &TransformError{Stage: stage, Kind: KindNoContent, URL: url}
}

// Failure wraps err, classifying network errors and deadlines.
func Failure(stage Stage, url string, kind FailureKind, err error) *TransformError {
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &TransformError{Stage: stage, Kind: kind, URL: url, Err: err}
}

// KindOf reports the failure kind carried by err. Errors that are not
// transform errors are treated as network failures.
func KindOf(err error) FailureKind {
	var te *TransformError
	if errors.As(err, &te) {
		return te.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindNetwork
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
