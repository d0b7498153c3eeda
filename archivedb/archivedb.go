// Package archivedb persists archive jobs and their per-addon targets, and
// resolves the platform documents (nodes, users) a job refers to.
package archivedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frostlabs/frost-archiver/archiver/model"
)

var (
	// ErrNotFound is returned when a job, target, node or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTargetTerminal is returned when an update would move a target out of
	// a terminal state. Such calls indicate a logic error in the caller.
	ErrTargetTerminal = errors.New("target already in a terminal state")

	// ErrInvalidTransition is returned when an update would skip a stage or
	// move a target backwards.
	ErrInvalidTransition = errors.New("invalid target state transition")
)

// JobsDB tracks archive jobs. Target updates are field-scoped and validated
// against the target state machine: re-applying the current state is an
// idempotent no-op, anything else must be a legal transition.
type JobsDB interface {
	// CreateJob stores the job with all its targets in the pending state and
	// returns the stored job.
	CreateJob(ctx context.Context, job model.ArchiveJob) (model.ArchiveJob, error)

	// GetJob returns the job with its targets in addon-name order.
	GetJob(ctx context.Context, jobID string) (model.ArchiveJob, error)

	// RunnableJobIDs returns the ids of jobs no worker has claimed yet, in
	// creation order.
	RunnableJobIDs(ctx context.Context) ([]string, error)

	// ClaimJob marks the job as started. It returns true exactly once per
	// job, which keeps pipeline execution at-most-once.
	ClaimJob(ctx context.Context, jobID string) (bool, error)

	// UpdateTarget moves a target to the given state and merges in the
	// optional stat result and error documents.
	UpdateTarget(ctx context.Context, jobID, addonName string, state model.TargetState, opts ...UpdateTargetOpt) error

	// AppendJobError records an error document at the job level.
	AppendJobError(ctx context.Context, jobID string, errDoc json.RawMessage) error

	// GetNode resolves a platform node reference.
	GetNode(ctx context.Context, nodeID string) (model.Node, error)

	// GetUser resolves a platform user reference.
	GetUser(ctx context.Context, userID string) (model.User, error)

	// Info returns the job with its node and user references resolved.
	Info(ctx context.Context, jobID string) (model.JobInfo, error)
}

// UpdateTargetOpt carries the optional fields of a target update.
type UpdateTargetOpt func(*updateTargetOpts)

type updateTargetOpts struct {
	stat   *model.StatResult
	errors []json.RawMessage
}

// WithStat records the target's stat result along with the update.
func WithStat(stat model.StatResult) UpdateTargetOpt {
	return func(o *updateTargetOpts) {
		o.stat = &stat
	}
}

// WithErrors appends error documents to the target, skipping duplicates.
func WithErrors(docs ...json.RawMessage) UpdateTargetOpt {
	return func(o *updateTargetOpts) {
		o.errors = append(o.errors, docs...)
	}
}

func applyUpdateTargetOpts(opts []UpdateTargetOpt) updateTargetOpts {
	var options updateTargetOpts
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Opt configures a store implementation.
type Opt func(*base)

// WithNow overrides the clock, used by tests.
func WithNow(now func() time.Time) Opt {
	return func(b *base) {
		b.now = now
	}
}

type base struct {
	now func() time.Time
}

func newBase(opts []Opt) base {
	b := base{now: time.Now}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// applyTargetUpdate validates the requested transition and merges the update
// into the target. Both store implementations share it so their semantics
// cannot drift apart.
func applyTargetUpdate(target *model.Target, state model.TargetState, options updateTargetOpts) error {
	if !model.CanTransition(target.State, state) {
		if target.State.Terminal() {
			return fmt.Errorf("target %q: %s -> %s: %w", target.Name, target.State, state, ErrTargetTerminal)
		}
		return fmt.Errorf("target %q: %s -> %s: %w", target.Name, target.State, state, ErrInvalidTransition)
	}
	target.State = state
	if options.stat != nil {
		stat := *options.stat
		target.Stat = &stat
	}
	target.Errors = model.MergeErrors(target.Errors, options.errors)
	return nil
}
