// Package planner holds the request-side operations: accepting a plan
// request and reporting where a plan stands.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/plan"
	"github.com/plangate/plangate/internal/queue"
)

// ErrInvalidRequest is returned when a submission is missing its answers.
var ErrInvalidRequest = errors.New("invalid request")

// State is the client-facing view of a job.
type State int

const (
	StateNotFound State = iota
	StateInProgress
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// Submission is what Submit hands back to the requester.
type Submission struct {
	PlanID    string `json:"planId"`
	MessageID string `json:"messageId"`
}

// Report is the result of a status lookup. Plan is set only when complete.
type Report struct {
	State State
	Plan  *plan.Plan
}

// Service submits plan requests and reports their status.
type Service struct {
	store  job.Store
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates a Service.
func NewService(store job.Store, q queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  q,
		logger: logger.With("component", "planner"),
		now:    time.Now,
		newID:  job.NewID,
	}
}

// Submit records a pending job and queues it for generation.
//
// The record is written before the enqueue, so an id is never returned for
// a job that does not exist. If the enqueue fails the id is still returned
// with an empty message id; the reconciler picks the job up later.
func (s *Service) Submit(ctx context.Context, requesterID string, answers json.RawMessage) (Submission, error) {
	if job.IsEmptyJSON(answers) {
		return Submission{}, fmt.Errorf("%w: answers are required", ErrInvalidRequest)
	}
	if !json.Valid(answers) {
		return Submission{}, fmt.Errorf("%w: answers must be valid JSON", ErrInvalidRequest)
	}

	r := job.NewPending(s.newID(), requesterID, answers, s.now())
	if err := s.store.Put(ctx, r); err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	msgID, err := s.queue.Enqueue(ctx, r.WorkItem(), r.ID)
	if err != nil {
		s.logger.Error("enqueue failed, job left for reconciliation", "job_id", r.ID, "error", err)
		return Submission{PlanID: r.ID}, nil
	}

	s.logger.Info("job submitted", "job_id", r.ID, "message_id", msgID)
	return Submission{PlanID: r.ID, MessageID: msgID}, nil
}

// Status reports the state of a job. Store failures are returned as errors.
func (s *Service) Status(ctx context.Context, id string) (Report, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		return Report{State: StateNotFound}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("get job %s: %w", id, err)
	}

	switch r.Status {
	case job.StatusPending:
		return Report{State: StateInProgress}, nil
	case job.StatusError:
		return Report{State: StateFailed}, nil
	case job.StatusComplete:
		p := &plan.Plan{}
		if err := json.Unmarshal(r.Result, p); err != nil {
			return Report{}, fmt.Errorf("decode result %s: %w", id, err)
		}
		return Report{State: StateComplete, Plan: p}, nil
	}
	return Report{}, fmt.Errorf("job %s: unknown status %q", id, r.Status)
}
