package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	kithelper "github.com/rudderlabs/rudder-go-kit/testhelper"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/archivedb"
	"github.com/frostlabs/frost-archiver/archiver/model"
	"github.com/frostlabs/frost-archiver/jsonrs"
	"github.com/frostlabs/frost-archiver/utils/httputil"
)

type pingCounter struct {
	n atomic.Int32
}

func (p *pingCounter) Ping() { p.n.Add(1) }

func newTestApi(t *testing.T, conf *config.Config) (*Api, *archivedb.Memory, *pingCounter) {
	t.Helper()
	db := archivedb.NewMemory()
	pings := &pingCounter{}
	a := New(conf, logger.NOP, stats.NOP, db, addons.DefaultRegistry(), pings)
	return a, db, pings
}

func TestCreateArchivalHandler(t *testing.T) {
	t.Run("creates the job and pings the archiver", func(t *testing.T) {
		a, db, pings := newTestApi(t, config.New())

		body := `{
			"sourceId": "node-src",
			"destinationId": "node-dst",
			"initiatorId": "user-1",
			"targets": ["osfstorage", "github"]
		}`
		req := httptest.NewRequest(http.MethodPost, "/v1/archivals", strings.NewReader(body))
		resp := httptest.NewRecorder()
		a.Handler().ServeHTTP(resp, req)
		require.Equal(t, http.StatusCreated, resp.Code)

		var created archivalResponse
		require.NoError(t, jsonrs.NewDecoder(resp.Body).Decode(&created))
		_, err := uuid.Parse(created.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobInProgress, created.Status)
		require.Len(t, created.Targets, 2)
		for _, target := range created.Targets {
			require.Equal(t, model.TargetPending, target.State)
		}
		require.EqualValues(t, 1, pings.n.Load())

		stored, err := db.GetJob(context.Background(), created.ID)
		require.NoError(t, err)
		require.Equal(t, "node-src", stored.SourceID)
		require.Equal(t, "node-dst", stored.DestinationID)
		require.Equal(t, "user-1", stored.InitiatorID)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		a, _, pings := newTestApi(t, config.New())

		req := httptest.NewRequest(http.MethodPost, "/v1/archivals", strings.NewReader(`"not an object"`))
		resp := httptest.NewRecorder()
		a.Handler().ServeHTTP(resp, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
		require.Zero(t, pings.n.Load())
	})

	t.Run("rejects incomplete payloads", func(t *testing.T) {
		a, _, _ := newTestApi(t, config.New())

		cases := []struct {
			name string
			body string
			want string
		}{
			{
				name: "missing source",
				body: `{"destinationId":"d","initiatorId":"u","targets":["github"]}`,
				want: "sourceId is required",
			},
			{
				name: "missing destination",
				body: `{"sourceId":"s","initiatorId":"u","targets":["github"]}`,
				want: "destinationId is required",
			},
			{
				name: "missing initiator",
				body: `{"sourceId":"s","destinationId":"d","targets":["github"]}`,
				want: "initiatorId is required",
			},
			{
				name: "no targets",
				body: `{"sourceId":"s","destinationId":"d","initiatorId":"u"}`,
				want: "targets is required",
			},
			{
				name: "unregistered addon",
				body: `{"sourceId":"s","destinationId":"d","initiatorId":"u","targets":["floppynet"]}`,
				want: "unknown addon",
			},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodPost, "/v1/archivals", strings.NewReader(tc.body))
				resp := httptest.NewRecorder()
				a.Handler().ServeHTTP(resp, req)
				require.Equal(t, http.StatusBadRequest, resp.Code)

				b, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				require.Contains(t, string(b), tc.want)
			})
		}
	})
}

func TestGetArchivalHandler(t *testing.T) {
	a, db, _ := newTestApi(t, config.New())
	ctx := context.Background()

	job, err := db.CreateJob(ctx, model.ArchiveJob{
		ID:            "job-get",
		SourceID:      "node-src",
		DestinationID: "node-dst",
		InitiatorID:   "user-1",
		Targets:       []model.Target{{Name: "osfstorage"}},
	})
	require.NoError(t, err)

	t.Run("reports the derived status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/archivals/job-get", nil)
		resp := httptest.NewRecorder()
		a.Handler().ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)

		var got archivalResponse
		require.NoError(t, jsonrs.NewDecoder(resp.Body).Decode(&got))
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, model.JobInProgress, got.Status)

		// walk the single target to success, the job status must follow
		for _, state := range []model.TargetState{
			model.TargetChecking, model.TargetSending, model.TargetSent, model.TargetSuccess,
		} {
			require.NoError(t, db.UpdateTarget(ctx, job.ID, "osfstorage", state))
		}
		resp = httptest.NewRecorder()
		a.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/v1/archivals/job-get", nil))
		require.Equal(t, http.StatusOK, resp.Code)
		require.NoError(t, jsonrs.NewDecoder(resp.Body).Decode(&got))
		require.Equal(t, model.JobSucceeded, got.Status)
	})

	t.Run("unknown job is a 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/archivals/who-dis", nil)
		resp := httptest.NewRecorder()
		a.Handler().ServeHTTP(resp, req)
		require.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	a, _, _ := newTestApi(t, config.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	a.Handler().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var healthBody map[string]string
	require.NoError(t, jsonrs.NewDecoder(resp.Body).Decode(&healthBody))
	require.Equal(t, "UP", healthBody["server"])
	require.Equal(t, "UP", healthBody["db"])
}

func TestApiServer(t *testing.T) {
	webPort, err := kithelper.GetFreePort()
	require.NoError(t, err)

	conf := config.New()
	conf.Set("Archiver.webPort", webPort)

	a, _, pings := newTestApi(t, conf)

	srvCtx, stopServer := context.WithCancel(context.Background())
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		require.NoError(t, a.Start(srvCtx))
	}()
	t.Cleanup(func() {
		stopServer()
		<-serverDone
	})

	serverURL := fmt.Sprintf("http://localhost:%d", webPort)
	client := &http.Client{}

	require.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("%s/health", serverURL))
		if err != nil {
			return false
		}
		defer func() { httputil.CloseResponse(resp) }()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 100*time.Millisecond)

	body := `{"sourceId":"s","destinationId":"d","initiatorId":"u","targets":["github"]}`
	resp, err := client.Post(
		fmt.Sprintf("%s/v1/archivals", serverURL),
		"application/json",
		bytes.NewReader([]byte(body)),
	)
	require.NoError(t, err)
	defer func() { httputil.CloseResponse(resp) }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created archivalResponse
	require.NoError(t, jsonrs.NewDecoder(resp.Body).Decode(&created))
	require.EqualValues(t, 1, pings.n.Load())

	getResp, err := client.Get(fmt.Sprintf("%s/v1/archivals/%s", serverURL, created.ID))
	require.NoError(t, err)
	defer func() { httputil.CloseResponse(getResp) }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}
