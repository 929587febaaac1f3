// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Outcome is the terminal classification of one category run.
type Outcome string

// Outcome values reported by the category orchestrator.
const (
	OutcomeDone       Outcome = "done"
	OutcomeUnfinished Outcome = "unfinished"
	OutcomeFail       Outcome = "fail"
	OutcomeSkipped    Outcome = "skipped"
)

// ErrUnknownOutcome is returned when parsing an unrecognized outcome string.
var ErrUnknownOutcome = errors.New("unknown outcome")

// ParseOutcome maps a wire value back to an Outcome.
func ParseOutcome(raw string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case OutcomeDone, OutcomeUnfinished, OutcomeFail, OutcomeSkipped:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, raw)
	}
}

// Settled reports whether a sweep may leave the category alone.
func (o Outcome) Settled() bool {
	return o == OutcomeDone || o == OutcomeSkipped
}

// Report is the result of one category run. Count is the total number of
// artifacts the catalog holds for the category once the run ends.
type Report struct {
	Outcome Outcome `json:"outcome"`
	Count   int     `json:"count"`
}

// ExchangeResponse is the response half of an intercepted exchange.
type ExchangeResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Exchange is one request observed by the browser, with its response when the
// load completed. A nil Response means the load failed at the network level.
type Exchange struct {
	URL      string
	Response *ExchangeResponse
}

// ContentType returns the response Content-Type header, if any.
func (e Exchange) ContentType() string {
	if e.Response == nil || e.Response.Headers == nil {
		return ""
	}
	return e.Response.Headers.Get("Content-Type")
}
