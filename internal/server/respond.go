package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/hive/internal/agents"
	"github.com/nextlevelbuilder/hive/internal/llm"
	"github.com/nextlevelbuilder/hive/internal/protect"
	"github.com/nextlevelbuilder/hive/internal/scheduler"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/window"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses: not-found 404,
// validation 400, rate limits 429 with Retry-After, gateway trouble
// 503, anything unclassified 500.
func writeError(w http.ResponseWriter, err error) {
	var rle *protect.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	var ve *protect.ValidationError
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.As(err, &ve),
		errors.Is(err, store.ErrSessionEnded),
		errors.Is(err, store.ErrSessionFull),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, agents.ErrTooFewParticipants),
		errors.Is(err, agents.ErrNoCandidates),
		errors.Is(err, window.ErrBudgetExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, agents.ErrAgentBusy),
		errors.Is(err, agents.ErrAgentDisabled):
		status = http.StatusConflict
	case llm.KindOf(err) != "":
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &protect.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
