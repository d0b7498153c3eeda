// Package runner boots the archiver deployment: configuration, logging,
// stats, storage and the HTTP surface, supervised until shutdown.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/profiler"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/api"
	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver"
	"github.com/frostlabs/frost-archiver/internal/proxyclient"
	"github.com/frostlabs/frost-archiver/jsonrs"
	"github.com/frostlabs/frost-archiver/rruntime"
	"github.com/frostlabs/frost-archiver/services/cookies"
	migrator "github.com/frostlabs/frost-archiver/services/sql-migrator"
	"github.com/frostlabs/frost-archiver/utils/crash"
	"github.com/frostlabs/frost-archiver/utils/pubsub"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the archiver service
type Runner struct {
	conf                    *config.Config
	releaseInfo             ReleaseInfo
	logger                  logger.Logger
	loggerFactory           *logger.Factory
	gracefulShutdownTimeout time.Duration
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	conf := config.New(config.WithEnvPrefix("ARCHIVER"))
	loggerFactory := logger.NewFactory(conf)
	return &Runner{
		conf:                    conf,
		releaseInfo:             releaseInfo,
		logger:                  loggerFactory.NewLogger().Child("runner"),
		loggerFactory:           loggerFactory,
		gracefulShutdownTimeout: conf.GetDuration("GracefulShutdownTimeout", 15, time.Second),
	}
}

// Run runs the service and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) > 1 && args[1] == "version" {
		r.printVersion()
		return 0
	}

	path, err := r.conf.ConfigFileUsed()
	if err != nil {
		r.logger.Warnf("Config: Failed to parse config file from path %q, using default values: %v", path, err)
	} else {
		r.logger.Infof("Config: Using config file: %s", path)
	}

	if err := r.conf.DotEnvLoaded(); err != nil {
		r.logger.Infof("Config: No .env file loaded: %v", err)
	} else {
		r.logger.Infof("Config: Loaded .env file")
	}

	statsOptions := []stats.Option{
		stats.WithServiceName("frost-archiver"),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	statsFactory := stats.NewStats(r.conf, r.loggerFactory, svcMetric.Instance, statsOptions...)
	if err := statsFactory.Start(ctx, rruntime.GoRoutineFactory); err != nil {
		r.logger.Errorf("Failed to start stats: %v", err)
		return 1
	}
	defer statsFactory.Stop()

	crash.Configure(r.logger, crash.PanicWrapperOpts{
		ReleaseStage: r.conf.GetString("GO_ENV", "development"),
		AppType:      "frost-archiver",
		AppVersion:   r.releaseInfo.Version,
	})
	defer crash.Notify("Core")()

	statsFactory.NewTaggedStat("archiver_release_info",
		stats.GaugeType,
		stats.Tags{
			"version":   r.releaseInfo.Version,
			"commit":    r.releaseInfo.Commit,
			"buildDate": r.releaseInfo.BuildDate,
			"builtBy":   r.releaseInfo.BuiltBy,
		}).Gauge(1)

	store, err := r.setupStore(ctx)
	if err != nil {
		r.logger.Errorf("Unable to prepare the archive store: %v", err)
		return 1
	}

	cookieStore, err := r.setupCookieStore(ctx)
	if err != nil {
		r.logger.Errorf("Unable to prepare the cookie store: %v", err)
		return 1
	}

	registry, err := r.loadRegistry()
	if err != nil {
		r.logger.Errorf("Unable to load the addon registry: %v", err)
		return 1
	}

	httpClient := proxyclient.NewClient(proxyClientConfig(r.conf))
	proxyBaseURL := r.conf.GetString("Archiver.proxyBaseURL", "http://localhost:7777")
	treeBaseURL := r.conf.GetString("Archiver.fileTreeBaseURL", proxyBaseURL)
	trees := addons.NewClient(treeBaseURL, httpClient)
	proxy := proxyclient.NewProxy(httpClient)
	bus := pubsub.New()

	svc := archiver.New(
		r.conf,
		r.loggerFactory.NewLogger(),
		statsFactory,
		store,
		registry,
		trees,
		proxy,
		cookieStore,
		bus,
	)

	archiverAPI := api.New(
		r.conf,
		r.loggerFactory.NewLogger(),
		statsFactory,
		store,
		registry,
		svc,
	)

	g, ctx := errgroup.WithContext(ctx)

	if r.conf.GetBool("Profiler.Enabled", true) {
		g.Go(func() error {
			return profiler.StartServer(ctx, r.conf.GetInt("Profiler.Port", 7778))
		})
	}

	r.consumeArchiveEvents(ctx, g, bus)

	if err := svc.Start(); err != nil {
		r.logger.Errorf("Unable to start the archiver service: %v", err)
		return 1
	}

	g.Go(crash.Wrapper(func() error {
		if err := archiverAPI.Start(ctx); err != nil {
			return fmt.Errorf("archiver api routine: %w", err)
		}
		return nil
	}))

	shutdownDone := make(chan struct{})
	go func() {
		err := g.Wait()
		if err != nil {
			r.logger.Errorf("Terminal error: %v", err)
		}

		r.logger.Info("Attempting to shutdown gracefully")
		svc.Stop()
		close(shutdownDone)
	}()

	<-ctx.Done()
	ctxDoneTime := time.Now()

	select {
	case <-shutdownDone:
		r.logger.Infof(
			"Graceful termination after %s, with %d go-routines",
			time.Since(ctxDoneTime),
			runtime.NumGoroutine(),
		)
		// clearing zap Log buffer to std output
		r.loggerFactory.Sync()
	case <-time.After(r.gracefulShutdownTimeout):
		// Assume graceful shutdown failed, log remaining goroutines and force kill
		r.logger.Errorf(
			"Graceful termination failed after %s, goroutine dump:\n",
			time.Since(ctxDoneTime),
		)

		fmt.Print("\n\n")
		_ = pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
		fmt.Print("\n\n")

		r.loggerFactory.Sync()
		if r.conf.GetBool("GracefulShutdownTimeoutExit", true) {
			return 1
		}
	}

	return 0
}

// setupStore builds the configured JobsDB backend. The postgres backend opens
// the database and migrates it before anything else can touch it.
func (r *Runner) setupStore(ctx context.Context) (archivedb.JobsDB, error) {
	switch backend := r.conf.GetString("Archiver.storage", "postgres"); backend {
	case "memory":
		r.logger.Warn("Using the in-memory archive store, jobs will not survive a restart")
		return archivedb.NewMemory(), nil
	case "postgres":
		db, err := r.setupDatabase(ctx)
		if err != nil {
			return nil, err
		}
		return archivedb.NewPostgres(db), nil
	default:
		return nil, fmt.Errorf("unsupported archive store backend %q", backend)
	}
}

func (r *Runner) setupDatabase(ctx context.Context) (*sql.DB, error) {
	dsn := r.connectionString()

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open: %w", err)
	}
	database.SetMaxOpenConns(r.conf.GetInt("Archiver.maxOpenConnections", 10))

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("could not ping: %w", err)
	}

	m := &migrator.Migrator{
		Handle:                     database,
		MigrationsTable:            "archivedb_schema_migrations",
		ShouldForceSetLowerVersion: r.conf.GetBool("SQLMigrator.forceSetLowerVersion", true),
	}

	operation := func() error {
		return m.Migrate("archivedb")
	}

	backoffWithMaxRetry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)

	if err := backoff.RetryNotify(operation, backoffWithMaxRetry, func(err error, t time.Duration) {
		r.logger.Warnf("retrying archive database migration in %s: %v", t, err)
	}); err != nil {
		return nil, fmt.Errorf("could not migrate: %w", err)
	}

	return database, nil
}

func (r *Runner) connectionString() string {
	host := r.conf.GetStringVar("localhost", "DB.host")
	user := r.conf.GetStringVar("frost", "DB.user")
	dbname := r.conf.GetStringVar("frost_archiver", "DB.name")
	port := r.conf.GetIntVar(5432, 1, "DB.port")
	password := r.conf.GetStringVar("frost", "DB.password")
	sslmode := r.conf.GetStringVar("disable", "DB.sslMode")
	appName := r.conf.GetStringVar("frost-archiver", "DB.appName")
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s",
		host, port, user, password, dbname, sslmode, appName,
	)
}

func (r *Runner) setupCookieStore(ctx context.Context) (cookies.Store, error) {
	switch backend := r.conf.GetString("Cookies.backend", "memory"); backend {
	case "memory":
		return cookies.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     r.conf.GetString("Cookies.Redis.addr", "localhost:6379"),
			Username: r.conf.GetString("Cookies.Redis.user", ""),
			Password: r.conf.GetString("Cookies.Redis.password", ""),
			DB:       r.conf.GetInt("Cookies.Redis.db", 0),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("could not ping redis: %w", err)
		}
		var opts []cookies.RedisOpt
		if ttl := r.conf.GetDuration("Cookies.Redis.ttl", 0, time.Second); ttl > 0 {
			opts = append(opts, cookies.WithTTL(ttl))
		}
		return cookies.NewRedis(client, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported cookie store backend %q", backend)
	}
}

func (r *Runner) loadRegistry() (*addons.Registry, error) {
	path := r.conf.GetString("Archiver.addonsConfigPath", "")
	if path == "" {
		return addons.DefaultRegistry(), nil
	}
	return addons.LoadRegistry(path)
}

// consumeArchiveEvents logs the archive outcomes published on the bus. A
// notification sender would subscribe the same way.
func (r *Runner) consumeArchiveEvents(ctx context.Context, g *errgroup.Group, bus *pubsub.PublishSubscriber) {
	log := r.loggerFactory.NewLogger().Child("events")
	completed := bus.Subscribe(ctx, archiver.TopicArchiveCompleted)
	failed := bus.Subscribe(ctx, archiver.TopicArchiveFailed)

	g.Go(func() error {
		for evt := range completed {
			e, ok := evt.Data.(archiver.CompletedEvent)
			if !ok {
				continue
			}
			log.Infow("Archive completed",
				"jobId", e.JobID,
				"destinationId", e.DestinationID,
				"addon", e.Addon,
			)
		}
		return nil
	})
	g.Go(func() error {
		for evt := range failed {
			e, ok := evt.Data.(archiver.FailedEvent)
			if !ok {
				continue
			}
			log.Warnw("Archive failed",
				"jobId", e.JobID,
				"destinationId", e.DestinationID,
				"addon", e.Addon,
				"reason", e.Reason,
			)
		}
		return nil
	})
}

func proxyClientConfig(conf *config.Config) *proxyclient.ClientConfig {
	cc := &proxyclient.ClientConfig{
		ClientTimeout: conf.GetDurationVar(600, time.Second, "ProxyClient.timeout"),
		ClientTTL:     conf.GetDurationVar(10, time.Second, "ProxyClient.ttl"),
		ClientType:    conf.GetStringVar("stdlib", "ProxyClient.type"),
		PickerType:    conf.GetStringVar("power_of_two", "ProxyClient.httplb.pickerType"),
	}
	cc.TransportConfig.DisableKeepAlives = conf.GetBoolVar(false, "ProxyClient.disableKeepAlives")
	cc.TransportConfig.MaxConnsPerHost = conf.GetIntVar(100, 1, "ProxyClient.maxHTTPConnections")
	cc.TransportConfig.MaxIdleConnsPerHost = conf.GetIntVar(10, 1, "ProxyClient.maxHTTPIdleConnections")
	cc.TransportConfig.IdleConnTimeout = conf.GetDurationVar(30, time.Second, "ProxyClient.maxIdleConnDuration")
	cc.Recycle = conf.GetBoolVar(false, "ProxyClient.recycle")
	return cc
}

func (r *Runner) versionInfo() map[string]interface{} {
	return map[string]interface{}{
		"Version":   r.releaseInfo.Version,
		"Commit":    r.releaseInfo.Commit,
		"BuildDate": r.releaseInfo.BuildDate,
		"BuiltBy":   r.releaseInfo.BuiltBy,
	}
}

func (r *Runner) printVersion() {
	version := r.versionInfo()
	versionFormatted, _ := jsonrs.MarshalIndent(&version, "", " ")
	fmt.Printf("Version Info %s\n", versionFormatted)
}
