package archiver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver/model"
	"github.com/frostlabs/frost-archiver/internal/proxyclient"
	"github.com/frostlabs/frost-archiver/utils/httputil"
)

// runPipeline executes a claimed job. Whatever goes wrong is converged by the
// failure handler before the original error is returned, so the job never
// needs a retry to reach a terminal status.
func (s *Service) runPipeline(ctx context.Context, jobID string) error {
	err := recovering(func() error {
		return s.execute(ctx, jobID)
	})
	if err == nil {
		return nil
	}
	return s.handleFailure(ctx, jobID, err)
}

// execute stats every addon of the source node, gates the aggregate size
// against the quota and dispatches one copy per non-empty addon. The copies
// run detached: a slow or failing copy settles its own target without
// holding the worker or its siblings up.
func (s *Service) execute(ctx context.Context, jobID string) error {
	info, err := s.db.Info(ctx, jobID)
	if err != nil {
		return fmt.Errorf("resolving job info: %w", err)
	}
	job := info.Job

	cookie, err := s.cookies.GetOrCreate(ctx, job.InitiatorID)
	if err != nil {
		return fmt.Errorf("minting session cookie: %w", err)
	}

	s.log.Infow("Statting addons", "jobId", job.ID, "targets", len(job.Targets))
	addonStats := make([]model.AddonStat, len(job.Targets))
	g, gCtx := errgroup.WithContext(ctx)
	for i, target := range job.Targets {
		g.Go(func() error {
			stat, err := s.collectStat(gCtx, job, target.Name, cookie)
			if err != nil {
				return err
			}
			addonStats[i] = model.AddonStat{AddonName: target.Name, Stat: stat}
			return nil
		})
	}
	// every addon must be statted before anything gets copied
	if err := g.Wait(); err != nil {
		return err
	}

	aggregate := model.AggregateStatResult{
		TargetID:   job.DestinationID,
		TargetName: info.Destination.Title,
		Targets:    addonStats,
	}
	if usage, quota := aggregate.DiskUsage(), s.config.maxArchiveSize.Load(); usage > quota {
		return &SizeExceededError{Aggregate: aggregate, Quota: quota}
	}

	for _, addonStat := range addonStats {
		if addonStat.Stat.FileCount == 0 {
			s.log.Infow("Skipping empty addon", "jobId", job.ID, "addon", addonStat.AddonName)
			continue
		}
		// copies outlive the worker, they run on the service context
		s.copyWG.Add(1)
		go func() {
			defer s.copyWG.Done()
			err := recovering(func() error {
				return s.copyTarget(s.lifecycle.ctx, info, addonStat.AddonName, cookie)
			})
			if err != nil {
				s.handleTargetFailure(s.lifecycle.ctx, job, addonStat.AddonName, err)
			}
		}()
	}
	return nil
}

// collectStat fetches and summarizes one addon's file tree, recording the
// result on the target. An empty tree leaves the target pending: the stat
// alone settles it, the copy stage skips it.
func (s *Service) collectStat(ctx context.Context, job model.ArchiveJob, addonName, cookie string) (model.StatResult, error) {
	def, err := s.registry.Lookup(addonName)
	if err != nil {
		return model.StatResult{}, fmt.Errorf("looking up addon %q: %w", addonName, err)
	}
	tree, err := s.trees.GetFileTree(ctx, addons.FileTreeRequest{
		NodeID:   job.SourceID,
		Provider: def.Provider,
		Cookie:   s.cookieHeader(cookie),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// a sibling failed first and tore the stat group down, leave
			// this target alone so only the real failure gets recorded
			return model.StatResult{}, err
		}
		var treeErr *addons.TransportError
		if !errors.As(err, &treeErr) {
			return model.StatResult{}, fmt.Errorf("statting addon %q: %w", addonName, err)
		}
		wrapped := &TransportError{Addon: addonName, Payload: treeErr.Payload, Err: treeErr}
		if dbErr := s.db.UpdateTarget(context.WithoutCancel(ctx), job.ID, addonName,
			model.TargetNetworkError, archivedb.WithErrors(wrapped.Payload)); dbErr != nil {
			s.log.Errorw("Failed to record stat failure", "jobId", job.ID, "addon", addonName, "error", dbErr)
		}
		return model.StatResult{}, fmt.Errorf("statting addon %q: %w", addonName, wrapped)
	}
	stat := addons.Aggregate(tree)
	state := model.TargetChecking
	if stat.FileCount == 0 {
		// nothing to copy, a pending target with a zero stat counts as done
		state = model.TargetPending
	}
	if err := s.db.UpdateTarget(ctx, job.ID, addonName, state, archivedb.WithStat(stat)); err != nil {
		return model.StatResult{}, fmt.Errorf("recording stat for addon %q: %w", addonName, err)
	}
	return stat, nil
}

// copyTarget walks one target through sending, sent and, when the proxy
// confirms, success.
func (s *Service) copyTarget(ctx context.Context, info model.JobInfo, addonName, cookie string) error {
	job := info.Job
	def, err := s.registry.Lookup(addonName)
	if err != nil {
		return fmt.Errorf("looking up addon %q: %w", addonName, err)
	}
	if err := s.db.UpdateTarget(ctx, job.ID, addonName, model.TargetSending); err != nil {
		return fmt.Errorf("marking addon %q sending: %w", addonName, err)
	}
	result, err := s.proxy.Copy(ctx, s.config.proxyBaseURL, proxyclient.CopyRequest{
		Source: proxyclient.CopyLeg{
			Cookie:   cookie,
			NodeID:   job.SourceID,
			Provider: def.Provider,
			Path:     "/",
		},
		Destination: proxyclient.CopyLeg{
			Cookie:   cookie,
			NodeID:   job.DestinationID,
			Provider: s.config.archiveProvider,
			Path:     "/",
		},
		Rename: def.FolderName,
	})
	if err != nil {
		return fmt.Errorf("copying addon %q: %w", addonName, &TransportError{
			Addon:   addonName,
			Payload: errorDocument(err.Error()),
			Err:     err,
		})
	}
	// the request reached the proxy, whatever the answer was
	if err := s.db.UpdateTarget(ctx, job.ID, addonName, model.TargetSent); err != nil {
		return fmt.Errorf("marking addon %q sent: %w", addonName, err)
	}
	switch {
	case result.StatusCode == http.StatusOK || result.StatusCode == http.StatusCreated:
		if err := s.db.UpdateTarget(ctx, job.ID, addonName, model.TargetSuccess); err != nil {
			return fmt.Errorf("marking addon %q succeeded: %w", addonName, err)
		}
		s.log.Infow("Archived addon", "jobId", job.ID, "addon", addonName)
		s.stats.NewTaggedStat("archiver_target_archived", stats.CountType, stats.Tags{"addon": addonName}).Increment()
		s.bus.Publish(TopicArchiveCompleted, CompletedEvent{
			JobID:         job.ID,
			DestinationID: job.DestinationID,
			Addon:         addonName,
		})
	case httputil.SuccessStatus(result.StatusCode):
		// the proxy accepted the copy without confirming it, the target
		// stays sent until the outcome is known
		s.log.Warnw("Copy accepted with pending outcome",
			"jobId", job.ID, "addon", addonName, "statusCode", result.StatusCode)
		s.stats.NewTaggedStat("archiver_copy_outcome_pending", stats.CountType, stats.Tags{"addon": addonName}).Increment()
	default:
		return &ProxyRejectedError{Addon: addonName, StatusCode: result.StatusCode, Body: result.Body}
	}
	return nil
}

// recovering runs fn, converting a panic into an error carrying the stack.
func recovering(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("uncaught panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
