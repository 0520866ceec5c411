package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-etl/internal/api/middleware"
	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/infra/memory"
	"github.com/dvloznov/finance-etl/internal/jobs"
	"github.com/dvloznov/finance-etl/internal/jobs/inmemory"
	"github.com/dvloznov/finance-etl/internal/pipeline"
)

const sampleCSV = "date,amount,description\n" +
	"2024-01-05,-45000,Korzinka supermarket\n" +
	"2024-01-10,5000000,Salary January\n"

type testServer struct {
	handler  http.Handler
	store    *memory.Store
	locks    *pipeline.LocalLocks
	jobStore *inmemory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.NewStore()
	locks := pipeline.NewLocalLocks()
	orch := pipeline.New(st, pipeline.Config{DefaultCurrency: "UZS"}, pipeline.WithLocker(locks))

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.Options{BufferSize: 4, Workers: 1, RetryDelay: 5 * time.Millisecond}, jobStore)
	require.NoError(t, queue.Start(context.Background(), jobs.RunHandler(orch)))
	t.Cleanup(func() { _ = queue.Close() })

	h := Handlers{
		Pipeline: NewPipelineHandler(orch, queue, 1<<10, zerolog.Nop()),
		Accounts: NewAccountsHandler(st, zerolog.Nop()),
		Jobs:     NewJobsHandler(jobStore, zerolog.Nop()),
	}
	return &testServer{handler: NewRouter(h, zerolog.Nop()), store: st, locks: locks, jobStore: jobStore}
}

func (s *testServer) do(t *testing.T, method, path, owner, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRunFull_CSV(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/pipeline/run", "alice", "text/csv", sampleCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	res := decode[pipeline.RunResult](t, rec)
	assert.Equal(t, domain.RunSucceeded, res.Run.Status)
	assert.Len(t, res.Run.Steps, 4)
	require.NotNil(t, res.Dashboard)

	rec = s.do(t, http.MethodGet, "/api/pipeline/runs/"+res.Run.ID, "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, res.Run.ID, decode[domain.PipelineRun](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/pipeline/runs/"+res.Run.ID, "bob", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/pipeline/status", "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[pipeline.StatusReport](t, rec)
	assert.Equal(t, int64(2), status.Counts.Total)
	assert.Equal(t, 100.0, status.ProcessedPct)
	assert.False(t, status.NeedsProcessing)

	rec = s.do(t, http.MethodGet, "/api/dashboard", "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[domain.Dashboard](t, rec).Summary.TransactionCount)
}

func TestRunFull_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name        string
		path        string
		owner       string
		contentType string
		body        string
		want        int
	}{
		{"missing owner", "/api/pipeline/run", "", "text/csv", sampleCSV, http.StatusUnauthorized},
		{"empty body", "/api/pipeline/run", "alice", "text/csv", "", http.StatusBadRequest},
		{"unknown content type", "/api/pipeline/run", "alice", "image/png", "x", http.StatusUnsupportedMediaType},
		{"unknown channel", "/api/pipeline/run?channel=fax", "alice", "", "x", http.StatusUnsupportedMediaType},
		{"bad source uri", "/api/pipeline/run?source_uri=s3://bucket/a.csv", "alice", "", "", http.StatusBadRequest},
		{"body too large", "/api/pipeline/run", "alice", "text/csv", strings.Repeat("a", 2<<10), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.owner, tt.contentType, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRunFull_OwnerBusy(t *testing.T) {
	s := newTestServer(t)
	release, err := s.locks.TryLock(context.Background(), "alice")
	require.NoError(t, err)
	defer release()

	rec := s.do(t, http.MethodPost, "/api/pipeline/run", "alice", "text/csv", sampleCSV)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/pipeline/run", "bob", "text/csv", sampleCSV)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunWebhook(t *testing.T) {
	s := newTestServer(t)
	body := `{"id":"evt-1","type":"transaction.created","data":{"date":"2024-01-05","amount":"-45000","description":"Korzinka"}}`

	rec := s.do(t, http.MethodPost, "/api/pipeline/webhook", "alice", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[pipeline.RunResult](t, rec)
	assert.Equal(t, domain.ChannelWebhook, res.Run.Channel)
}

func TestRunStage(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/pipeline/ingest", "alice", "text/csv", sampleCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ModeIngestOnly, decode[pipeline.RunResult](t, rec).Run.Mode)

	rec = s.do(t, http.MethodGet, "/api/pipeline/status", "alice", "", "")
	assert.True(t, decode[pipeline.StatusReport](t, rec).NeedsProcessing)

	for _, stage := range []string{"transform", "load", "aggregate"} {
		rec = s.do(t, http.MethodPost, "/api/pipeline/"+stage, "alice", "", "")
		require.Equal(t, http.StatusOK, rec.Code, stage)
		assert.Equal(t, domain.RunSucceeded, decode[pipeline.RunResult](t, rec).Run.Status, stage)
	}

	rec = s.do(t, http.MethodGet, "/api/pipeline/transform", "alice", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunAsync(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/pipeline/run?async=true", "alice", "text/csv", sampleCSV)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[map[string]string](t, rec)
	require.NotEmpty(t, accepted["job_id"])
	require.NotEmpty(t, accepted["run_id"])

	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/jobs/"+accepted["job_id"], "alice", "", "")
		var job jobs.PipelineRunJob
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &job) != nil {
			return false
		}
		return job.Status == jobs.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = s.do(t, http.MethodGet, "/api/pipeline/runs/"+accepted["run_id"], "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RunSucceeded, decode[domain.PipelineRun](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/jobs", "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/api/jobs/"+accepted["job_id"], "bob", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/pipeline/runs/missing/cancel", "alice", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/pipeline/run", "alice", "text/csv", sampleCSV)
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decode[pipeline.RunResult](t, rec).Run.ID

	rec = s.do(t, http.MethodPost, "/api/pipeline/runs/"+runID+"/cancel", "alice", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/pipeline/runs/"+runID+"/cancel", "bob", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts", "alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["count"])

	body := `{"id":"5b0e8f4e-1f5d-4b7e-9a53-3c3c3f5e2a10","provider":"Kapitalbank","currency":"uzs"}`
	rec = s.do(t, http.MethodPost, "/api/accounts", "alice", "application/json", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[domain.Account](t, rec)
	assert.Equal(t, "alice", acct.OwnerID)
	assert.Equal(t, "UZS", acct.Currency)
	assert.True(t, acct.Balance.IsZero())

	rec = s.do(t, http.MethodPost, "/api/accounts", "alice", "application/json", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/accounts", "alice", "application/json", `{"provider":"","currency":"dollars"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg := decode[map[string]string](t, rec)["error"]
	assert.Contains(t, msg, "provider (required)")
	assert.Contains(t, msg, "currency (len)")

	rec = s.do(t, http.MethodPost, "/api/accounts", "alice", "application/json", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/accounts", "alice", "", "")
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])
	rec = s.do(t, http.MethodGet, "/api/accounts", "bob", "", "")
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["count"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[pipeline.HealthReport](t, rec)
	assert.Equal(t, pipeline.HealthOK, rep.Status)
	assert.Equal(t, "disabled", rep.Cache)
}

func TestMiddleware_RecoveryAndCORS(t *testing.T) {
	h := middleware.Chain(zerolog.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	req.Header.Set(middleware.OwnerHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/anything", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), middleware.OwnerHeader)
}
