package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
)

// maxRecordRange caps a single records query.
const maxRecordRange = 366

// RecordsHandler serves merged daily records.
type RecordsHandler struct {
	records dailymetrics.Repository
	logger  *slog.Logger
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(records dailymetrics.Repository, logger *slog.Logger) *RecordsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordsHandler{records: records, logger: logger}
}

// ListRecords handles GET /api/v1/users/{userID}/metrics?start=&end=
func (h *RecordsHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	start, err := dailymetrics.ParseDay(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter 'start' must be YYYY-MM-DD")
		return
	}
	end, err := dailymetrics.ParseDay(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter 'end' must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "'end' is before 'start'")
		return
	}
	if end.Sub(start).Hours()/24 >= maxRecordRange {
		writeError(w, http.StatusBadRequest, "Range must not exceed 366 days")
		return
	}

	records, err := h.records.FindRange(r.Context(), userID, start, end)
	if err != nil {
		h.logger.Error("failed to list records", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list records")
		return
	}
	if records == nil {
		records = []dailymetrics.DailyRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
