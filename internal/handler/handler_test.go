package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"
	"points-ledger/internal/testutil"

	"github.com/stretchr/testify/require"
)

type fakeRuns map[string]*service.RunSummary

func (f fakeRuns) Streams() []string {
	return []string{"daily", "campaign"}
}

func (f fakeRuns) LastSummary(stream string) *service.RunSummary {
	return f[stream]
}

func TestGetStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 3)
	testutil.SeedUser(t, db, "0xb", 0)
	testutil.SeedEntry(t, db, "0xa", models.PointTypeDaily, 3, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	h := NewStatusHandler(
		repository.NewUserRepository(db),
		repository.NewLedgerRepository(db),
		repository.NewEventRepository(db),
		repository.NewCheckpointRepository(db),
		fakeRuns{"daily": {Stream: "daily", ToBlock: 99}},
		func() bool { return true },
	)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		TotalUsers   int64                          `json:"totalUsers"`
		TotalEntries int64                          `json:"totalEntries"`
		TotalEvents  int64                          `json:"totalEvents"`
		Checkpoints  []models.Checkpoint            `json:"checkpoints"`
		LastRuns     map[string]*service.RunSummary `json:"lastRuns"`
		Processing   bool                           `json:"processing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(2), body.TotalUsers)
	require.Equal(t, int64(1), body.TotalEntries)
	require.Zero(t, body.TotalEvents)
	require.Empty(t, body.Checkpoints)
	require.Len(t, body.LastRuns, 1)
	require.Equal(t, int64(99), body.LastRuns["daily"].ToBlock)
	require.True(t, body.Processing)
}

func TestGetStatusRejectsPost(t *testing.T) {
	h := NewStatusHandler(nil, nil, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}
