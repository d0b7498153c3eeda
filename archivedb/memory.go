package archivedb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/frostlabs/frost-archiver/archiver/model"
)

// Memory is an in-memory JobsDB used by tests and the memory storage backend.
type Memory struct {
	base

	mu    sync.Mutex
	jobs  map[string]*model.ArchiveJob
	nodes map[string]model.Node
	users map[string]model.User
}

func NewMemory(opts ...Opt) *Memory {
	return &Memory{
		base:  newBase(opts),
		jobs:  map[string]*model.ArchiveJob{},
		nodes: map[string]model.Node{},
		users: map[string]model.User{},
	}
}

func (m *Memory) CreateJob(_ context.Context, job model.ArchiveJob) (model.ArchiveJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		return model.ArchiveJob{}, fmt.Errorf("creating job: empty job id")
	}
	if _, ok := m.jobs[job.ID]; ok {
		return model.ArchiveJob{}, fmt.Errorf("creating job: job %q already exists", job.ID)
	}

	now := m.now().UTC()
	stored := model.ArchiveJob{
		ID:            job.ID,
		SourceID:      job.SourceID,
		DestinationID: job.DestinationID,
		InitiatorID:   job.InitiatorID,
		Targets:       normalizeTargets(job.Targets),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.jobs[job.ID] = &stored
	return cloneJob(&stored), nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (model.ArchiveJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return model.ArchiveJob{}, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) RunnableJobIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runnable := lo.Filter(lo.Values(m.jobs), func(j *model.ArchiveJob, _ int) bool {
		return j.StartedAt == nil
	})
	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].CreatedAt.Equal(runnable[j].CreatedAt) {
			return runnable[i].ID < runnable[j].ID
		}
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})
	return lo.Map(runnable, func(j *model.ArchiveJob, _ int) string { return j.ID }), nil
}

func (m *Memory) ClaimJob(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.StartedAt != nil {
		return false, nil
	}
	now := m.now().UTC()
	job.StartedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *Memory) UpdateTarget(_ context.Context, jobID, addonName string, state model.TargetState, opts ...UpdateTargetOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	idx := lo.IndexOf(lo.Map(job.Targets, func(t model.Target, _ int) string { return t.Name }), addonName)
	if idx < 0 {
		return fmt.Errorf("job %q target %q: %w", jobID, addonName, ErrNotFound)
	}
	if err := applyTargetUpdate(&job.Targets[idx], state, applyUpdateTargetOpts(opts)); err != nil {
		return err
	}
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) AppendJobError(_ context.Context, jobID string, errDoc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	job.Errors = model.MergeErrors(job.Errors, []json.RawMessage{errDoc})
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) GetNode(_ context.Context, nodeID string) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return model.Node{}, fmt.Errorf("node %q: %w", nodeID, ErrNotFound)
	}
	return node, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return model.User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return user, nil
}

func (m *Memory) Info(ctx context.Context, jobID string) (model.JobInfo, error) {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return model.JobInfo{}, err
	}
	return resolveInfo(ctx, m, job)
}

// PutNode stores a platform node document. The platform owns these documents,
// the store only serves reads; this method exists for seeding.
func (m *Memory) PutNode(_ context.Context, node model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	return nil
}

// PutUser stores a platform user document, see PutNode.
func (m *Memory) PutUser(_ context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

// normalizeTargets deduplicates targets by addon name and resets them to the
// initial pending state, sorted by name.
func normalizeTargets(targets []model.Target) []model.Target {
	normalized := lo.Map(
		lo.UniqBy(targets, func(t model.Target) string { return t.Name }),
		func(t model.Target, _ int) model.Target {
			return model.Target{Name: t.Name, State: model.TargetPending}
		},
	)
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Name < normalized[j].Name })
	return normalized
}

// resolveInfo resolves a job's node and user references through the store.
func resolveInfo(ctx context.Context, db JobsDB, job model.ArchiveJob) (model.JobInfo, error) {
	source, err := db.GetNode(ctx, job.SourceID)
	if err != nil {
		return model.JobInfo{}, fmt.Errorf("resolving source node: %w", err)
	}
	destination, err := db.GetNode(ctx, job.DestinationID)
	if err != nil {
		return model.JobInfo{}, fmt.Errorf("resolving destination node: %w", err)
	}
	initiator, err := db.GetUser(ctx, job.InitiatorID)
	if err != nil {
		return model.JobInfo{}, fmt.Errorf("resolving initiator: %w", err)
	}
	return model.JobInfo{
		Job:         job,
		Source:      source,
		Destination: destination,
		Initiator:   initiator,
	}, nil
}

func cloneJob(job *model.ArchiveJob) model.ArchiveJob {
	out := *job
	out.Targets = lo.Map(job.Targets, func(t model.Target, _ int) model.Target { return cloneTarget(t) })
	out.Errors = append([]json.RawMessage(nil), job.Errors...)
	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		out.StartedAt = &startedAt
	}
	return out
}

func cloneTarget(target model.Target) model.Target {
	if target.Stat != nil {
		stat := *target.Stat
		target.Stat = &stat
	}
	target.Errors = append([]json.RawMessage(nil), target.Errors...)
	return target
}
