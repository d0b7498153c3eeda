package archivedb_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver/model"
)

func testJob(id string, addons ...string) model.ArchiveJob {
	job := model.ArchiveJob{
		ID:            id,
		SourceID:      "node-src",
		DestinationID: "node-dst",
		InitiatorID:   "user-1",
	}
	for _, addon := range addons {
		job.Targets = append(job.Targets, model.Target{Name: addon})
	}
	return job
}

func TestMemoryCreateJob(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	db := archivedb.NewMemory(archivedb.WithNow(func() time.Time { return now }))

	t.Run("stores targets pending and sorted", func(t *testing.T) {
		created, err := db.CreateJob(ctx, testJob("job-1", "osfstorage", "github", "osfstorage"))
		require.NoError(t, err)
		require.Equal(t, now, created.CreatedAt)
		require.Equal(t, []model.Target{
			{Name: "github", State: model.TargetPending},
			{Name: "osfstorage", State: model.TargetPending},
		}, created.Targets)

		got, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, created, got)
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		_, err := db.CreateJob(ctx, testJob("job-1", "osfstorage"))
		require.Error(t, err)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		_, err := db.CreateJob(ctx, testJob("", "osfstorage"))
		require.Error(t, err)
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		_, err := db.GetJob(ctx, "no-such-job")
		require.ErrorIs(t, err, archivedb.ErrNotFound)
	})
}

func TestMemoryRunnableAndClaim(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	db := archivedb.NewMemory(archivedb.WithNow(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	for _, id := range []string{"job-b", "job-a", "job-c"} {
		_, err := db.CreateJob(ctx, testJob(id, "osfstorage"))
		require.NoError(t, err)
	}

	t.Run("creation order", func(t *testing.T) {
		ids, err := db.RunnableJobIDs(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"job-b", "job-a", "job-c"}, ids)
	})

	t.Run("claim wins exactly once", func(t *testing.T) {
		claimed, err := db.ClaimJob(ctx, "job-a")
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = db.ClaimJob(ctx, "job-a")
		require.NoError(t, err)
		require.False(t, claimed)

		job, err := db.GetJob(ctx, "job-a")
		require.NoError(t, err)
		require.NotNil(t, job.StartedAt)

		ids, err := db.RunnableJobIDs(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"job-b", "job-c"}, ids)
	})

	t.Run("claiming unknown job is a miss, not an error", func(t *testing.T) {
		claimed, err := db.ClaimJob(ctx, "no-such-job")
		require.NoError(t, err)
		require.False(t, claimed)
	})

	t.Run("concurrent claimers", func(t *testing.T) {
		claims := make(chan bool, 10)
		g, gCtx := errgroup.WithContext(ctx)
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				claimed, err := db.ClaimJob(gCtx, "job-b")
				claims <- claimed
				return err
			})
		}
		require.NoError(t, g.Wait())
		close(claims)

		var wins int
		for claimed := range claims {
			if claimed {
				wins++
			}
		}
		require.Equal(t, 1, wins)
	})
}

func TestMemoryUpdateTarget(t *testing.T) {
	ctx := context.Background()

	db := archivedb.NewMemory()
	_, err := db.CreateJob(ctx, testJob("job-1", "osfstorage", "github"))
	require.NoError(t, err)

	t.Run("walks the pipeline states", func(t *testing.T) {
		stat := model.StatResult{FileCount: 3, DiskUsage: 400}

		require.NoError(t, db.UpdateTarget(ctx, "job-1", "osfstorage", model.TargetChecking, archivedb.WithStat(stat)))
		require.NoError(t, db.UpdateTarget(ctx, "job-1", "osfstorage", model.TargetSending))
		require.NoError(t, db.UpdateTarget(ctx, "job-1", "osfstorage", model.TargetSent))
		require.NoError(t, db.UpdateTarget(ctx, "job-1", "osfstorage", model.TargetSuccess))

		job, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		target, ok := job.Target("osfstorage")
		require.True(t, ok)
		require.Equal(t, model.TargetSuccess, target.State)
		require.Equal(t, &stat, target.Stat)
	})

	t.Run("rejects skipping a stage", func(t *testing.T) {
		err := db.UpdateTarget(ctx, "job-1", "github", model.TargetSending)
		require.ErrorIs(t, err, archivedb.ErrInvalidTransition)
	})

	t.Run("records a stat without a transition", func(t *testing.T) {
		stat := model.StatResult{FileCount: 0, DiskUsage: 0}
		require.NoError(t, db.UpdateTarget(ctx, "job-1", "github", model.TargetPending, archivedb.WithStat(stat)))

		job, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		target, ok := job.Target("github")
		require.True(t, ok)
		require.Equal(t, model.TargetPending, target.State)
		require.True(t, target.Settled())
	})

	t.Run("terminal rewrite is idempotent and deduplicates errors", func(t *testing.T) {
		errDoc := json.RawMessage(`{"error":"connection refused"}`)

		require.NoError(t, db.UpdateTarget(ctx, "job-1", "github", model.TargetNetworkError, archivedb.WithErrors(errDoc)))
		require.NoError(t, db.UpdateTarget(ctx, "job-1", "github", model.TargetNetworkError, archivedb.WithErrors(errDoc)))

		job, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		target, ok := job.Target("github")
		require.True(t, ok)
		require.Equal(t, model.TargetNetworkError, target.State)
		require.Equal(t, []json.RawMessage{errDoc}, target.Errors)
	})

	t.Run("terminal target never moves", func(t *testing.T) {
		err := db.UpdateTarget(ctx, "job-1", "github", model.TargetChecking)
		require.ErrorIs(t, err, archivedb.ErrTargetTerminal)

		err = db.UpdateTarget(ctx, "job-1", "github", model.TargetSuccess)
		require.ErrorIs(t, err, archivedb.ErrTargetTerminal)
	})

	t.Run("unknown target is not found", func(t *testing.T) {
		err := db.UpdateTarget(ctx, "job-1", "dropbox", model.TargetChecking)
		require.ErrorIs(t, err, archivedb.ErrNotFound)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		job, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		job.Targets[0].State = model.TargetFailure
		job.Targets[0].Stat = &model.StatResult{FileCount: 99}

		again, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.NotEqual(t, model.TargetFailure, again.Targets[0].State)
	})
}

func TestMemoryConcurrentTargetWriters(t *testing.T) {
	ctx := context.Background()

	addons := []string{"osfstorage", "github", "gitlab", "bitbucket", "dropbox", "box"}

	db := archivedb.NewMemory()
	_, err := db.CreateJob(ctx, testJob("job-1", addons...))
	require.NoError(t, err)

	g, gCtx := errgroup.WithContext(ctx)
	for i, addon := range addons {
		stat := model.StatResult{FileCount: int64(i) + 1, DiskUsage: int64(i+1) * 100}
		g.Go(func() error {
			if err := db.UpdateTarget(gCtx, "job-1", addon, model.TargetChecking, archivedb.WithStat(stat)); err != nil {
				return err
			}
			if err := db.UpdateTarget(gCtx, "job-1", addon, model.TargetSending); err != nil {
				return err
			}
			if err := db.UpdateTarget(gCtx, "job-1", addon, model.TargetSent); err != nil {
				return err
			}
			return db.UpdateTarget(gCtx, "job-1", addon, model.TargetSuccess)
		})
	}
	require.NoError(t, g.Wait())

	// every target keeps its own writer's stat, no update is lost
	job, err := db.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, job.Status())
	for i, addon := range addons {
		target, ok := job.Target(addon)
		require.True(t, ok)
		require.Equal(t, model.TargetSuccess, target.State)
		require.Equal(t, &model.StatResult{FileCount: int64(i) + 1, DiskUsage: int64(i+1) * 100}, target.Stat)
	}
}

func TestMemoryJobErrors(t *testing.T) {
	ctx := context.Background()

	db := archivedb.NewMemory()
	_, err := db.CreateJob(ctx, testJob("job-1", "osfstorage"))
	require.NoError(t, err)

	errDoc := json.RawMessage(`{"error":"quota exceeded"}`)
	require.NoError(t, db.AppendJobError(ctx, "job-1", errDoc))
	require.NoError(t, db.AppendJobError(ctx, "job-1", errDoc))
	require.NoError(t, db.AppendJobError(ctx, "job-1", json.RawMessage(`{"error":"other"}`)))

	job, err := db.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []json.RawMessage{errDoc, json.RawMessage(`{"error":"other"}`)}, job.Errors)

	require.ErrorIs(t, db.AppendJobError(ctx, "no-such-job", errDoc), archivedb.ErrNotFound)
}

func TestMemoryInfo(t *testing.T) {
	ctx := context.Background()

	db := archivedb.NewMemory()
	_, err := db.CreateJob(ctx, testJob("job-1", "osfstorage"))
	require.NoError(t, err)

	t.Run("unresolved references", func(t *testing.T) {
		_, err := db.Info(ctx, "job-1")
		require.ErrorIs(t, err, archivedb.ErrNotFound)
	})

	require.NoError(t, db.PutNode(ctx, model.Node{ID: "node-src", Title: "My Project"}))
	require.NoError(t, db.PutNode(ctx, model.Node{ID: "node-dst", Title: "My Project Archive"}))
	require.NoError(t, db.PutUser(ctx, model.User{ID: "user-1", FullName: "Ada Lovelace"}))

	t.Run("resolved", func(t *testing.T) {
		info, err := db.Info(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "job-1", info.Job.ID)
		require.Equal(t, "My Project", info.Source.Title)
		require.Equal(t, "My Project Archive", info.Destination.Title)
		require.Equal(t, "Ada Lovelace", info.Initiator.FullName)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := db.Info(ctx, "no-such-job")
		require.ErrorIs(t, err, archivedb.ErrNotFound)
	})
}
