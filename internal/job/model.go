package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// IDPrefix is prepended to every generated job identifier.
const IDPrefix = "pl-"

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition reports whether a record in status s may be overwritten with
// status to. Terminal states are absorbing; rewriting the same terminal
// status is allowed so redelivered work stays idempotent.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to.Valid()
	case StatusComplete, StatusError:
		return to == s
	}
	return false
}

// Record is the durable state of a single job.
type Record struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	RequesterID string          `json:"requester_id,omitempty"`
	Answers     json.RawMessage `json:"answers,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Enqueues    int             `json:"enqueues"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkItem is the message carried by the queue.
type WorkItem struct {
	ID          string          `json:"uuid"`
	RequesterID string          `json:"userId,omitempty"`
	Answers     json.RawMessage `json:"answers"`
}

// WorkItem returns the queue message for r.
func (r *Record) WorkItem() WorkItem {
	return WorkItem{ID: r.ID, RequesterID: r.RequesterID, Answers: r.Answers}
}

// Complete returns a copy of r in the complete state carrying result.
func (r *Record) Complete(result json.RawMessage, now time.Time) *Record {
	c := *r
	c.Status = StatusComplete
	c.Result = result
	c.Error = ""
	c.UpdatedAt = now.UTC()
	return &c
}

// Fail returns a copy of r in the error state.
func (r *Record) Fail(reason string, now time.Time) *Record {
	c := *r
	c.Status = StatusError
	c.Result = nil
	c.Error = reason
	c.UpdatedAt = now.UTC()
	return &c
}

// NewID returns a fresh, unguessable job identifier.
func NewID() string {
	return IDPrefix + uuid.New().String()
}

// NewPending builds the initial record for a submission.
func NewPending(id, requesterID string, answers json.RawMessage, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		ID:          id,
		Status:      StatusPending,
		RequesterID: requesterID,
		Answers:     answers,
		Enqueues:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the record is internally consistent before it is written.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("record id must not be empty")
	}
	if !r.Status.Valid() {
		return errors.New("record status must be one of: pending, complete, error")
	}
	if r.Status != StatusComplete && len(r.Result) > 0 {
		return errors.New("record result is only allowed when status is complete")
	}
	return nil
}

// IsEmptyJSON reports whether raw carries no usable value.
func IsEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func encodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return r, nil
}
