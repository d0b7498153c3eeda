// Package model holds the archival domain types shared by the pipeline, the
// persistence layer and the HTTP surface.
package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

// ArchiveJob is the persisted record of one archival run: one source node
// being copied into one destination node on behalf of an initiating user.
type ArchiveJob struct {
	ID            string            `json:"id"`
	SourceID      string            `json:"sourceId"`
	DestinationID string            `json:"destinationId"`
	InitiatorID   string            `json:"initiatorId"`
	Targets       []Target          `json:"targets"`
	Errors        []json.RawMessage `json:"errors,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`

	// StartedAt is set exactly once, when a worker claims the job. It keeps
	// pipeline execution at-most-once and is bookkeeping, not state.
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// Target returns the job's target for the given addon name.
func (j *ArchiveJob) Target(name string) (Target, bool) {
	return lo.Find(j.Targets, func(t Target) bool { return t.Name == name })
}

// Status derives the job-level status from the job's targets.
func (j *ArchiveJob) Status() JobState {
	return OverallState(j.Targets)
}

// Target tracks the archival progress of a single addon within a job.
type Target struct {
	Name   string            `json:"name"`
	State  TargetState       `json:"state"`
	Stat   *StatResult       `json:"stat,omitempty"`
	Errors []json.RawMessage `json:"errors,omitempty"`
}

// Settled reports whether the target needs no further pipeline work to let
// the job succeed: either the copy completed, or the addon turned out to be
// empty and was never dispatched.
func (t Target) Settled() bool {
	if t.State == TargetSuccess {
		return true
	}
	return t.State == TargetPending && t.Stat != nil && t.Stat.FileCount == 0
}

// StatResult summarizes an addon's file tree.
type StatResult struct {
	FileCount int64 `json:"fileCount"`
	DiskUsage int64 `json:"diskUsage"`
}

// AddonStat couples an addon name with its tree summary.
type AddonStat struct {
	AddonName string     `json:"addonName"`
	Stat      StatResult `json:"stat"`
}

// AggregateStatResult is the job-wide roll-up the size gate decides on. It is
// ephemeral: computed after the stat barrier, evaluated against the quota and
// recorded as error detail when the quota is exceeded, but never persisted on
// the happy path.
type AggregateStatResult struct {
	TargetID   string      `json:"targetId"`
	TargetName string      `json:"targetName"`
	Targets    []AddonStat `json:"targets"`
}

// DiskUsage is the total number of bytes across all targets.
func (r AggregateStatResult) DiskUsage() int64 {
	return lo.SumBy(r.Targets, func(t AddonStat) int64 { return t.Stat.DiskUsage })
}

// MergeErrors appends incoming error documents to existing ones, skipping
// byte-identical duplicates so that idempotent updates do not accumulate
// repeated entries.
func MergeErrors(existing, incoming []json.RawMessage) []json.RawMessage {
	merged := existing
	for _, in := range incoming {
		duplicate := lo.ContainsBy(merged, func(e json.RawMessage) bool {
			return bytes.Equal(e, in)
		})
		if !duplicate {
			merged = append(merged, in)
		}
	}
	return merged
}

// Node is a platform node document, e.g. a project or its frozen snapshot.
type Node struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// User is a platform user document.
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// JobInfo is a job together with its resolved node and user references.
type JobInfo struct {
	Job         ArchiveJob `json:"job"`
	Source      Node       `json:"source"`
	Destination Node       `json:"destination"`
	Initiator   User       `json:"initiator"`
}
