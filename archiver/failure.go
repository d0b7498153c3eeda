package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver/model"
	"github.com/frostlabs/frost-archiver/jsonrs"
)

// failureState maps a failure kind onto the terminal state recorded on
// targets.
func failureState(kind FailureKind) model.TargetState {
	switch kind {
	case FailureSizeExceeded:
		return model.TargetSizeExceeded
	case FailureNetwork:
		return model.TargetNetworkError
	case FailureProxyRejected:
		return model.TargetFailure
	default:
		return model.TargetUncaughtError
	}
}

// handleFailure converges a job whose pipeline failed: the error is
// classified, recorded on the job and on every target the failure applies
// to, and published. It returns the error it was given.
func (s *Service) handleFailure(ctx context.Context, jobID string, pipelineErr error) error {
	// the job must still converge when the failure is a cancellation
	ctx = context.WithoutCancel(ctx)
	kind := Classify(pipelineErr)
	doc := jobErrorDocument(kind, pipelineErr)

	job, jobErr := s.db.GetJob(ctx, jobID)
	if jobErr != nil {
		s.log.Errorw("Failed to load failed job", "jobId", jobID, "error", jobErr)
	}

	// quota and uncaught failures take every non-terminal target down with
	// them, network failures were already recorded on the failing target
	if jobErr == nil && (kind == FailureSizeExceeded || kind == FailureUncaught) {
		state := failureState(kind)
		for _, target := range job.Targets {
			if target.State.Terminal() {
				continue
			}
			if err := s.db.UpdateTarget(ctx, jobID, target.Name, state, archivedb.WithErrors(doc)); err != nil {
				s.log.Errorw("Failed to mark target failed",
					"jobId", jobID, "addon", target.Name, "state", string(state), "error", err)
			}
		}
	}

	if err := s.db.AppendJobError(ctx, jobID, doc); err != nil {
		s.log.Errorw("Failed to record job error", "jobId", jobID, "error", err)
	}

	s.stats.NewTaggedStat("archiver_job_failed", stats.CountType, stats.Tags{"reason": string(kind)}).Increment()
	s.bus.Publish(TopicArchiveFailed, FailedEvent{
		JobID:         jobID,
		DestinationID: job.DestinationID,
		Reason:        kind,
	})
	return pipelineErr
}

// handleTargetFailure converges a failed copy. The failure is scoped to one
// target, sibling copies keep going.
func (s *Service) handleTargetFailure(ctx context.Context, job model.ArchiveJob, addonName string, copyErr error) {
	ctx = context.WithoutCancel(ctx)
	kind := Classify(copyErr)
	doc := targetErrorDocument(kind, copyErr)

	s.log.Errorw("Failed to archive addon",
		"jobId", job.ID, "addon", addonName, "reason", string(kind), "error", copyErr)
	if err := s.db.UpdateTarget(ctx, job.ID, addonName, failureState(kind), archivedb.WithErrors(doc)); err != nil {
		if errors.Is(err, archivedb.ErrTargetTerminal) {
			// a job-wide failure got there first, its verdict stands
			s.log.Warnw("Target already terminal", "jobId", job.ID, "addon", addonName)
		} else {
			s.log.Errorw("Failed to mark target failed", "jobId", job.ID, "addon", addonName, "error", err)
		}
	}
	if err := s.db.AppendJobError(ctx, job.ID, doc); err != nil {
		s.log.Errorw("Failed to record job error", "jobId", job.ID, "error", err)
	}
	s.stats.NewTaggedStat("archiver_target_failed", stats.CountType,
		stats.Tags{"addon": addonName, "reason": string(kind)}).Increment()
	s.bus.Publish(TopicArchiveFailed, FailedEvent{
		JobID:         job.ID,
		DestinationID: job.DestinationID,
		Addon:         addonName,
		Reason:        kind,
	})
}

// jobErrorDocument renders a pipeline error as the JSON document recorded on
// the job. A quota breach carries the full aggregate so the record shows
// which addons contributed.
func jobErrorDocument(kind FailureKind, err error) json.RawMessage {
	switch kind {
	case FailureSizeExceeded:
		var sizeErr *SizeExceededError
		if errors.As(err, &sizeErr) {
			doc, mErr := jsonrs.Marshal(struct {
				Error     string                    `json:"error"`
				Quota     int64                     `json:"quota"`
				DiskUsage int64                     `json:"diskUsage"`
				Aggregate model.AggregateStatResult `json:"aggregate"`
			}{
				Error:     "aggregate disk usage exceeds the archive quota",
				Quota:     sizeErr.Quota,
				DiskUsage: sizeErr.Aggregate.DiskUsage(),
				Aggregate: sizeErr.Aggregate,
			})
			if mErr == nil {
				return doc
			}
		}
	case FailureNetwork:
		var transportErr *TransportError
		if errors.As(err, &transportErr) && len(transportErr.Payload) > 0 {
			doc, sErr := sjson.SetBytes(transportErr.Payload, "addon", transportErr.Addon)
			if sErr != nil {
				return transportErr.Payload
			}
			return doc
		}
	}
	return errorDocument(err.Error())
}

// targetErrorDocument renders a copy error as the JSON document recorded on
// the failed target. A proxy rejection body that already is a JSON object is
// kept verbatim.
func targetErrorDocument(kind FailureKind, err error) json.RawMessage {
	switch kind {
	case FailureProxyRejected:
		var proxyErr *ProxyRejectedError
		if errors.As(err, &proxyErr) {
			if gjson.ValidBytes(proxyErr.Body) && gjson.ParseBytes(proxyErr.Body).IsObject() {
				return json.RawMessage(proxyErr.Body)
			}
			message := strings.TrimSpace(string(proxyErr.Body))
			if message == "" {
				message = err.Error()
			}
			doc := errorDocument(message)
			doc, _ = sjson.SetBytes(doc, "statusCode", proxyErr.StatusCode)
			return doc
		}
	case FailureNetwork:
		var transportErr *TransportError
		if errors.As(err, &transportErr) && len(transportErr.Payload) > 0 {
			return transportErr.Payload
		}
	}
	return errorDocument(err.Error())
}

// errorDocument builds the minimal JSON error document for errors that did
// not arrive with one.
func errorDocument(message string) json.RawMessage {
	doc, err := sjson.SetBytes([]byte(`{}`), "error", message)
	if err != nil {
		return json.RawMessage(`{"error":"unrepresentable error"}`)
	}
	return doc
}
