package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	importer "github.com/felixgeelhaar/vitalsync/internal/importer/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// ImportService plans and executes imports.
type ImportService interface {
	Plan(ctx context.Context, req importer.Request) (*importer.Plan, error)
	Execute(ctx context.Context, plan *importer.Plan, sink importer.EventSink) (*importer.Outcome, error)
}

// ImportHandler streams imports as server-sent events.
type ImportHandler struct {
	service ImportService
	logger  *slog.Logger
}

// NewImportHandler creates a new import handler.
func NewImportHandler(service ImportService, logger *slog.Logger) *ImportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{service: service, logger: logger}
}

// ImportRequest is the JSON body of POST /api/v1/users/{userID}/imports.
type ImportRequest struct {
	Provider          string   `json:"provider"`
	StartDate         string   `json:"start_date"`
	EndDate           string   `json:"end_date"`
	DataTypes         []string `json:"data_types"`
	OverwriteExisting bool     `json:"overwrite_existing"`
	BatchSize         int      `json:"batch_size"`
}

// StartImport handles POST /api/v1/users/{userID}/imports. Invalid requests
// get a 400 before the stream opens; afterwards every outcome, including
// aborts, is reported as the stream's terminal event.
func (h *ImportHandler) StartImport(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body ImportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	req, err := body.toRequest(userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.service.Plan(r.Context(), req)
	if err != nil {
		if errors.Is(err, importer.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to plan import", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to plan import")
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	outcome, err := h.service.Execute(r.Context(), plan, sink)
	switch {
	case errors.Is(err, importer.ErrCancelled):
		h.logger.InfoContext(r.Context(), "import stream closed by client", "user_id", userID)
	case err != nil:
		h.logger.ErrorContext(r.Context(), "import failed", "user_id", userID, "error", err)
	default:
		h.logger.InfoContext(r.Context(), "import stream finished",
			"user_id", userID,
			"run_id", outcome.RunID,
			"state", outcome.State,
		)
	}
}

func (b ImportRequest) toRequest(userID uuid.UUID) (importer.Request, error) {
	provider, err := providers.ParseProvider(b.Provider)
	if err != nil {
		return importer.Request{}, err
	}
	start, err := dailymetrics.ParseDay(b.StartDate)
	if err != nil {
		return importer.Request{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := dailymetrics.ParseDay(b.EndDate)
	if err != nil {
		return importer.Request{}, fmt.Errorf("invalid end_date: %w", err)
	}
	return importer.Request{
		UserID:            userID,
		Provider:          provider,
		Start:             start,
		End:               end,
		DataTypes:         b.DataTypes,
		OverwriteExisting: b.OverwriteExisting,
		BatchSize:         b.BatchSize,
	}, nil
}

// sseSink writes events in the text/event-stream format. A failed write
// means the client is gone and cancels the run.
type sseSink struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	hdr bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	rc := http.NewResponseController(w)
	// Imports outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}
	return &sseSink{w: w, rc: rc}, nil
}

func (s *sseSink) Emit(ctx context.Context, event importer.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.hdr {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.hdr = true
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}
