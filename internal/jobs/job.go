// Package jobs manages background analysis and export jobs stored in the
// remote document store, with offline fallback through the mutation queue.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInvalidInput      = errors.New("invalid job input")
	// ErrOfflineTicket is returned for a job that was accepted offline and
	// has not reached the remote store yet.
	ErrOfflineTicket = errors.New("job is queued offline")
)

type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindExport   Kind = "export"
)

func (k Kind) Valid() bool {
	return k == KindAnalysis || k == KindExport
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const DefaultMaxRetries = 3

var validTransitions = map[Status][]Status{
	StatusQueued: {
		StatusRunning,   // claimed by a poller
		StatusCancelled, // cancelled before pickup
	},
	StatusRunning: {
		StatusSucceeded,
		StatusFailed,    // retries exhausted
		StatusQueued,    // retry
		StatusCancelled, // cancelled mid-run, the result is discarded
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is an
// edge of the job state machine.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

func IsTerminal(status Status) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Status     Status          `json:"status"`
	Input      json.RawMessage `json:"input"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`
	Owner      string          `json:"owner,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Input is the per-kind job input. The concrete type is the tag.
type Input interface {
	Kind() Kind
}

type AnalysisInput struct {
	// AOI is a GeoJSON Polygon or MultiPolygon.
	AOI       json.RawMessage `json:"aoi"`
	Model     string          `json:"model"`
	Threshold float64         `json:"threshold"`
}

func (AnalysisInput) Kind() Kind { return KindAnalysis }

type ExportInput struct {
	Format    string         `json:"format"`
	Workspace string         `json:"workspace"`
	DPI       int            `json:"dpi,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

func (ExportInput) Kind() Kind { return KindExport }

// DecodeInput validates the stored input against its schema and decodes it
// into the concrete input type for the job kind.
func (j Job) DecodeInput() (Input, error) {
	if err := ValidateInput(j.Kind, j.Input); err != nil {
		return nil, err
	}
	switch j.Kind {
	case KindAnalysis:
		var in AnalysisInput
		if err := json.Unmarshal(j.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return in, nil
	case KindExport:
		var in ExportInput
		if err := json.Unmarshal(j.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return in, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, j.Kind)
	}
}

type Ticket struct {
	ID      string `json:"id"`
	Offline bool   `json:"offline"`
}

type LogEvent string

const (
	EventEnqueued  LogEvent = "enqueued"
	EventCancelled LogEvent = "cancelled"
	EventClaimed   LogEvent = "claimed"
	EventSucceeded LogEvent = "succeeded"
	EventRetry     LogEvent = "retry"
	EventFailed    LogEvent = "failed"
)

// Log is an insert-only audit row in the logs collection. ID doubles as the
// idempotency key of the insert.
type Log struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Event     LogEvent  `json:"event"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
