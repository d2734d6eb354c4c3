package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"servline/internal/config"
	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

// Engine owns the request lifecycle. Every transition is authorized by the
// caller's participant role, validated against the state machine, and applied
// with a compare-and-set so concurrent callers cannot both win.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := time.Now
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

// InvalidTransitionError reports a lifecycle event applied to a request whose
// status does not permit it. The server maps it to a 409 response.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a request in status %q", e.Event, e.From)
}

// transitions lists the valid source statuses per lifecycle event and the
// status the event moves the request to.
var transitions = map[string]struct {
	from []string
	to   string
}{
	"accept":   {from: []string{domain.StatusPending}, to: domain.StatusAccepted},
	"reject":   {from: []string{domain.StatusPending}, to: domain.StatusRejected},
	"start":    {from: []string{domain.StatusAccepted}, to: domain.StatusInProgress},
	"complete": {from: []string{domain.StatusInProgress}, to: domain.StatusCompleted},
	"cancel":   {from: []string{domain.StatusPending, domain.StatusAccepted, domain.StatusInProgress}, to: domain.StatusCancelled},
}

var eventTypes = map[string]string{
	"accept":   "request.accepted",
	"reject":   "request.rejected",
	"start":    "request.started",
	"complete": "request.completed",
	"cancel":   "request.cancelled",
}

func (e *Engine) timestamp() string {
	return e.Now().UTC().Format(time.RFC3339)
}

type CreateRequestOptions struct {
	RequesterID            string
	FulfillerID            string
	Category               string
	Title                  string
	Description            string
	Location               domain.Location
	RequestedDate          string
	EstimatedDurationHours *float64
	Price                  *float64
}

// CreateRequest validates and persists a new pending request, recording a
// request.created audit event in the same transaction.
func (e *Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	now := e.timestamp()
	req := domain.Request{
		ID:                     uuid.NewString(),
		RequesterID:            opts.RequesterID,
		FulfillerID:            opts.FulfillerID,
		Category:               opts.Category,
		Title:                  opts.Title,
		Description:            opts.Description,
		Location:               opts.Location,
		RequestedDate:          opts.RequestedDate,
		EstimatedDurationHours: opts.EstimatedDurationHours,
		Price:                  opts.Price,
		Status:                 domain.StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := repo.ValidateNewRequest(req, e.Now()); err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.created", req.ID, req.RequesterID, events.EventPayload{
		"category": req.Category,
		"title":    req.Title,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Request, error) {
	return e.Repo.GetRequest(ctx, id)
}

func (e *Engine) List(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx, f)
}

func (e *Engine) RequestEvents(ctx context.Context, requestID string, limit int, cursor int64) ([]domain.Event, error) {
	return e.Repo.ListEventsByRequest(ctx, requestID, limit, cursor)
}

// Accept moves a pending request to accepted. Only the fulfiller may accept,
// optionally recording a negotiated price.
func (e *Engine) Accept(ctx context.Context, id, callerID string, negotiatedPrice *float64) (domain.Request, error) {
	if negotiatedPrice != nil && *negotiatedPrice < 0 {
		return domain.Request{}, repo.ValidationError{Field: "negotiatedPrice", Message: "must not be negative"}
	}
	payload := events.EventPayload{}
	if negotiatedPrice != nil {
		payload["negotiatedPrice"] = *negotiatedPrice
	}
	return e.apply(ctx, id, callerID, "accept", func(req *domain.Request) {
		if negotiatedPrice != nil {
			req.NegotiatedPrice = negotiatedPrice
		}
	}, payload)
}

// Reject moves a pending request to rejected with a required reason.
func (e *Engine) Reject(ctx context.Context, id, callerID, reason string) (domain.Request, error) {
	if err := e.checkReason(reason, e.Config.Lifecycle.MinRejectReasonLength); err != nil {
		return domain.Request{}, err
	}
	return e.apply(ctx, id, callerID, "reject", func(req *domain.Request) {
		req.StatusReason = &reason
	}, events.EventPayload{"reason": reason})
}

// Start moves an accepted request to in_progress.
func (e *Engine) Start(ctx context.Context, id, callerID string) (domain.Request, error) {
	return e.apply(ctx, id, callerID, "start", nil, nil)
}

// Complete moves an in_progress request to completed.
func (e *Engine) Complete(ctx context.Context, id, callerID string) (domain.Request, error) {
	return e.apply(ctx, id, callerID, "complete", nil, nil)
}

// Cancel moves a non-terminal request to cancelled with a required reason.
// Either participant may cancel.
func (e *Engine) Cancel(ctx context.Context, id, callerID, reason string) (domain.Request, error) {
	if err := e.checkReason(reason, e.Config.Lifecycle.MinCancelReasonLength); err != nil {
		return domain.Request{}, err
	}
	return e.apply(ctx, id, callerID, "cancel", func(req *domain.Request) {
		req.StatusReason = &reason
	}, events.EventPayload{"reason": reason})
}

func (e *Engine) checkReason(reason string, min int) error {
	if utf8.RuneCountInString(reason) < min {
		return repo.ValidationError{Field: "reason", Message: fmt.Sprintf("must be at least %d characters", min)}
	}
	return nil
}

// apply runs one lifecycle event: authorize the caller's role, check the
// current status against the transition table, then commit the new status
// with a compare-and-set guard. Authorization runs before the state check so
// a non-participant gets the same answer whatever the request's status.
func (e *Engine) apply(ctx context.Context, id, callerID, event string, mutate func(req *domain.Request), payload events.EventPayload) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if err := auth.Authorize(req, callerID, event); err != nil {
		return domain.Request{}, err
	}

	t := transitions[event]
	expected := ""
	for _, from := range t.from {
		if req.Status == from {
			expected = from
			break
		}
	}
	if expected == "" {
		return domain.Request{}, InvalidTransitionError{From: req.Status, Event: event}
	}

	updated, err := e.Repo.CompareAndSetStatus(ctx, id, expected, func(tx *sql.Tx, req *domain.Request) error {
		req.Status = t.to
		if mutate != nil {
			mutate(req)
		}
		req.UpdatedAt = e.timestamp()
		return e.Events.Append(ctx, tx, eventTypes[event], req.ID, callerID, payload)
	})
	if errors.Is(err, repo.ErrConflict) {
		// Lost the race: someone else transitioned first. Report the
		// transition against the status that actually won.
		fresh, ferr := e.Repo.GetRequest(ctx, id)
		if ferr != nil {
			return domain.Request{}, InvalidTransitionError{From: expected, Event: event}
		}
		return domain.Request{}, InvalidTransitionError{From: fresh.Status, Event: event}
	}
	if err != nil {
		return domain.Request{}, err
	}
	return updated, nil
}
