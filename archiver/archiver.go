// Package archiver drives archive jobs end to end: stat every storage addon
// attached to the source project, gate the aggregate size against the quota,
// then copy every non-empty addon tree into the frozen destination through
// the storage proxy, converging each job to one terminal outcome.
package archiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/bytesize"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/internal/proxyclient"
	"github.com/frostlabs/frost-archiver/services/cookies"
	"github.com/frostlabs/frost-archiver/utils/pubsub"
	"github.com/frostlabs/frost-archiver/utils/workerpool"
)

// FileTreeFetcher fetches an addon's file hierarchy, see addons.Client.
type FileTreeFetcher interface {
	GetFileTree(ctx context.Context, request addons.FileTreeRequest) (*addons.FileTree, error)
}

// CopyDispatcher issues the copy operation against the storage proxy, see
// proxyclient.Proxy.
type CopyDispatcher interface {
	Copy(ctx context.Context, baseURL string, request proxyclient.CopyRequest) (*proxyclient.CopyResult, error)
}

// Service runs the archive pipeline: a pinger loop feeds runnable job IDs to
// a worker pool holding one worker per job.
type Service struct {
	db       archivedb.JobsDB
	registry *addons.Registry
	trees    FileTreeFetcher
	proxy    CopyDispatcher
	cookies  cookies.Store
	bus      *pubsub.PublishSubscriber
	log      logger.Logger
	stats    stats.Stats

	archiveTrigger func() <-chan time.Time

	config struct {
		maxArchiveSize  *config.Reloadable[int64]
		proxyBaseURL    string
		archiveProvider string
		cookieName      string
		concurrency     int
		minWorkerSleep  time.Duration
		maxWorkerSleep  time.Duration
	}

	nudge chan time.Time

	lifecycle struct {
		ctx    context.Context
		cancel context.CancelFunc
	}
	wait   func() error
	copyWG sync.WaitGroup
}

type Option func(*Service)

// WithArchiveTrigger overrides the pinger loop's trigger, used by tests to
// fire immediately.
func WithArchiveTrigger(trigger func() <-chan time.Time) Option {
	return func(s *Service) {
		s.archiveTrigger = trigger
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	stat stats.Stats,
	db archivedb.JobsDB,
	registry *addons.Registry,
	trees FileTreeFetcher,
	proxy CopyDispatcher,
	cookieStore cookies.Store,
	bus *pubsub.PublishSubscriber,
	opts ...Option,
) *Service {
	s := &Service{
		db:       db,
		registry: registry,
		trees:    trees,
		proxy:    proxy,
		cookies:  cookieStore,
		bus:      bus,
		log:      log.Child("archiver"),
		stats:    stat,
		nudge:    make(chan time.Time, 1),
	}
	s.config.maxArchiveSize = conf.GetReloadableInt64Var(5*bytesize.GB, 1, "Archiver.maxArchiveSize")
	s.config.proxyBaseURL = conf.GetStringVar("http://localhost:7777", "Archiver.proxyBaseURL")
	s.config.archiveProvider = conf.GetStringVar("coldstorage", "Archiver.archiveProvider")
	s.config.cookieName = conf.GetStringVar("auth", "Archiver.cookieName")
	s.config.concurrency = conf.GetIntVar(10, 1, "Archiver.concurrency")
	s.config.minWorkerSleep = conf.GetDurationVar(1, time.Second, "Archiver.minWorkerSleep")
	s.config.maxWorkerSleep = conf.GetDurationVar(30, time.Second, "Archiver.maxWorkerSleep")
	for _, opt := range opts {
		opt(s)
	}
	if s.archiveTrigger == nil {
		sleep := conf.GetDurationVar(5, time.Second, "Archiver.pingerSleep")
		s.archiveTrigger = func() <-chan time.Time {
			return time.After(sleep)
		}
	}
	return s
}

// Start spins up the worker pool and the pinger loop feeding it. It returns
// immediately, Stop shuts everything down.
func (s *Service) Start() error {
	if s.wait != nil {
		return fmt.Errorf("archiver already started")
	}
	s.log.Info("Starting archiver")
	s.lifecycle.ctx, s.lifecycle.cancel = context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(s.lifecycle.ctx)
	g.Go(func() error {
		workerPool := workerpool.New(
			ctx,
			func(jobID string) workerpool.Worker {
				w := &worker{
					jobID:   jobID,
					service: s,
					log:     s.log.Child(fmt.Sprintf("archiveWorker-%s", jobID)),
				}
				w.lifecycle.ctx, w.lifecycle.cancel = context.WithCancel(ctx)
				return w
			},
			s.log,
		)
		defer workerPool.Shutdown()
		// pinger loop
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.archiveTrigger():
			case <-s.nudge:
			}
			jobIDs, err := s.db.RunnableJobIDs(ctx)
			if err != nil {
				s.log.Errorw("Failed to fetch runnable jobs", "error", err)
				continue
			}
			if len(jobIDs) == 0 {
				continue
			}
			s.log.Infof("Pinging workers for %d runnable jobs", len(jobIDs))
			ping, _ := errgroup.WithContext(ctx)
			ping.SetLimit(s.config.concurrency)
			for _, jobID := range jobIDs {
				ping.Go(func() error {
					workerPool.PingWorker(jobID)
					return nil
				})
			}
			_ = ping.Wait()
		}
	})
	s.wait = g.Wait
	return nil
}

// Stop cancels the pinger loop, shuts down the worker pool and waits for any
// in-flight copy goroutines to finish their bookkeeping.
func (s *Service) Stop() {
	s.log.Info("Stopping archiver")
	if s.wait == nil {
		return
	}
	s.lifecycle.cancel()
	if err := s.wait(); err != nil {
		s.log.Warnw("Archiver shut down with error", "error", err)
	}
	s.copyWG.Wait()
	s.wait = nil
}

// Ping wakes the pinger loop without waiting for its next tick, used when a
// job was just created. It never blocks.
func (s *Service) Ping() {
	select {
	case s.nudge <- time.Now():
	default:
	}
}

func (s *Service) cookieHeader(cookie string) string {
	return s.config.cookieName + "=" + cookie
}
