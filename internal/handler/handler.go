package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"
)

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// RunReporter 提供对账流及其最近一次运行结果
type RunReporter interface {
	Streams() []string
	LastSummary(stream string) *service.RunSummary
}

type StatusHandler struct {
	userRepo       *repository.UserRepository
	ledgerRepo     *repository.LedgerRepository
	eventRepo      *repository.EventRepository
	checkpointRepo *repository.CheckpointRepository
	runs           RunReporter
	processing     func() bool
}

func NewStatusHandler(
	userRepo *repository.UserRepository,
	ledgerRepo *repository.LedgerRepository,
	eventRepo *repository.EventRepository,
	checkpointRepo *repository.CheckpointRepository,
	runs RunReporter,
	processing func() bool,
) *StatusHandler {
	return &StatusHandler{
		userRepo:       userRepo,
		ledgerRepo:     ledgerRepo,
		eventRepo:      eventRepo,
		checkpointRepo: checkpointRepo,
		runs:           runs,
		processing:     processing,
	}
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()

	totalUsers, err := h.userRepo.Count(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count users: "+err.Error())
		return
	}
	totalEntries, err := h.ledgerRepo.CountAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count entries: "+err.Error())
		return
	}
	totalEvents, err := h.eventRepo.CountAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count events: "+err.Error())
		return
	}
	checkpoints, err := h.checkpointRepo.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints: "+err.Error())
		return
	}
	if checkpoints == nil {
		checkpoints = []models.Checkpoint{}
	}

	lastRuns := make(map[string]*service.RunSummary)
	if h.runs != nil {
		for _, stream := range h.runs.Streams() {
			if summary := h.runs.LastSummary(stream); summary != nil {
				lastRuns[stream] = summary
			}
		}
	}

	processing := false
	if h.processing != nil {
		processing = h.processing()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalUsers":   totalUsers,
		"totalEntries": totalEntries,
		"totalEvents":  totalEvents,
		"checkpoints":  checkpoints,
		"lastRuns":     lastRuns,
		"processing":   processing,
	})
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
