// Package api exposes the service's operational HTTP surface: submitting
// archive jobs, reading their status and a health probe. The platform's own
// public API is a different animal, this one is ingress for the archiver
// deployment only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/rudderlabs/rudder-go-kit/config"
	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver/model"
	"github.com/frostlabs/frost-archiver/jsonrs"
)

// jobPinger wakes the archiver so a freshly created job does not wait for
// the next scan tick.
type jobPinger interface {
	Ping()
}

type Api struct {
	log      logger.Logger
	stats    stats.Stats
	db       archivedb.JobsDB
	registry *addons.Registry
	archiver jobPinger

	config struct {
		webPort             int
		readerHeaderTimeout time.Duration
		healthTimeout       time.Duration
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	stat stats.Stats,
	db archivedb.JobsDB,
	registry *addons.Registry,
	archiverService jobPinger,
) *Api {
	a := &Api{
		log:      log.Child("api"),
		stats:    stat,
		db:       db,
		registry: registry,
		archiver: archiverService,
	}
	a.config.webPort = conf.GetIntVar(8088, 1, "Archiver.webPort")
	a.config.readerHeaderTimeout = conf.GetDurationVar(3, time.Second, "Archiver.readerHeaderTimeout")
	a.config.healthTimeout = conf.GetDurationVar(10, time.Second, "Archiver.healthTimeout")
	return a
}

type createArchivalRequest struct {
	SourceID      string   `json:"sourceId"`
	DestinationID string   `json:"destinationId"`
	InitiatorID   string   `json:"initiatorId"`
	Targets       []string `json:"targets"`
}

type archivalResponse struct {
	ID            string            `json:"id"`
	SourceID      string            `json:"sourceId"`
	DestinationID string            `json:"destinationId"`
	InitiatorID   string            `json:"initiatorId"`
	Status        model.JobState    `json:"status"`
	Targets       []model.Target    `json:"targets"`
	Errors        []json.RawMessage `json:"errors,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
}

func toResponse(job model.ArchiveJob) archivalResponse {
	return archivalResponse{
		ID:            job.ID,
		SourceID:      job.SourceID,
		DestinationID: job.DestinationID,
		InitiatorID:   job.InitiatorID,
		Status:        job.Status(),
		Targets:       job.Targets,
		Errors:        job.Errors,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		StartedAt:     job.StartedAt,
	}
}

// Handler returns the routed handler.
//
// Implemented routes:
// - POST /v1/archivals
// - GET  /v1/archivals/{jobID}
// - GET  /health
func (a *Api) Handler() http.Handler {
	srvMux := chi.NewRouter()
	srvMux.Post("/v1/archivals", a.createArchivalHandler)
	srvMux.Get("/v1/archivals/{jobID}", a.getArchivalHandler)
	srvMux.Get("/health", a.healthHandler)
	return srvMux
}

// Start serves the API until the context is done.
func (a *Api) Start(ctx context.Context) error {
	c := cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowCredentials: true,
		AllowedHeaders:   []string{"*"},
		MaxAge:           900, // 15 mins
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.webPort),
		Handler:           c.Handler(a.Handler()),
		ReadHeaderTimeout: a.config.readerHeaderTimeout,
	}
	a.log.Infof("Starting archiver API on %d", a.config.webPort)
	return kithttputil.ListenAndServe(ctx, srv)
}

func (a *Api) createArchivalHandler(w http.ResponseWriter, r *http.Request) {
	a.log.LogRequest(r)

	defer func() { _ = r.Body.Close() }()

	var payload createArchivalRequest
	if err := jsonrs.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.log.Errorf("Error parsing body: %v", err)
		http.Error(w, "can't unmarshal body", http.StatusBadRequest)
		return
	}

	job, err := a.mapArchival(payload)
	if err != nil {
		a.log.Warnf("invalid payload: %v", err)
		http.Error(w, fmt.Sprintf("invalid payload: %s", err.Error()), http.StatusBadRequest)
		return
	}

	created, err := a.db.CreateJob(r.Context(), job)
	if err != nil {
		a.log.Errorf("Error creating archive job: %v", err)
		http.Error(w, "can't create archive job", http.StatusInternalServerError)
		return
	}
	a.archiver.Ping()

	a.stats.NewTaggedStat("archiver_jobs_created", stats.CountType, stats.Tags{
		"source": created.SourceID,
	}).Increment()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = jsonrs.NewEncoder(w).Encode(toResponse(created))
}

// mapArchival validates the payload and shapes it into a job with pending
// targets.
func (a *Api) mapArchival(payload createArchivalRequest) (model.ArchiveJob, error) {
	if payload.SourceID == "" {
		return model.ArchiveJob{}, fmt.Errorf("sourceId is required")
	}
	if payload.DestinationID == "" {
		return model.ArchiveJob{}, fmt.Errorf("destinationId is required")
	}
	if payload.InitiatorID == "" {
		return model.ArchiveJob{}, fmt.Errorf("initiatorId is required")
	}
	if len(payload.Targets) == 0 {
		return model.ArchiveJob{}, fmt.Errorf("targets is required")
	}

	job := model.ArchiveJob{
		ID:            uuid.New().String(),
		SourceID:      payload.SourceID,
		DestinationID: payload.DestinationID,
		InitiatorID:   payload.InitiatorID,
	}
	for _, name := range payload.Targets {
		if _, err := a.registry.Lookup(name); err != nil {
			return model.ArchiveJob{}, fmt.Errorf("invalid target: %w", err)
		}
		job.Targets = append(job.Targets, model.Target{Name: name})
	}
	return job, nil
}

func (a *Api) getArchivalHandler(w http.ResponseWriter, r *http.Request) {
	a.log.LogRequest(r)

	jobID := chi.URLParam(r, "jobID")
	job, err := a.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, archivedb.ErrNotFound) {
			http.Error(w, "no such archive job", http.StatusNotFound)
			return
		}
		a.log.Errorf("Error fetching archive job %s: %v", jobID, err)
		http.Error(w, "can't fetch archive job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = jsonrs.NewEncoder(w).Encode(toResponse(job))
}

func (a *Api) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.config.healthTimeout)
	defer cancel()

	if _, err := a.db.RunnableJobIDs(ctx); err != nil {
		http.Error(w, "Cannot connect to archive store", http.StatusInternalServerError)
		return
	}

	healthVal := fmt.Sprintf(
		`{"server":"UP","db":"UP","time":%q}`,
		time.Now().UTC().Format(time.RFC3339),
	)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(healthVal))
}
