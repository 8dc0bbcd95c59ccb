package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/protect"
	"github.com/nextlevelbuilder/hive/internal/store"
)

// recentMessageCount is how many trailing messages the session detail
// endpoint includes.
const recentMessageCount = 10

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		AgentID: q.Get("agent_id"),
		Type:    q.Get("session_type"),
		Search:  q.Get("search"),
		SortBy:  q.Get("sort"),
		Order:   q.Get("order"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, &protect.ValidationError{Field: "date_from", Reason: "not ISO 8601"})
			return
		}
		filter.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, &protect.ValidationError{Field: "date_to", Reason: "not ISO 8601"})
			return
		}
		filter.DateTo = &t
	}
	filter.Normalize()

	sessions, total, err := s.st.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
		"has_more": filter.Offset+len(sessions) < total,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string         `json:"agent_id"`
		Title        string         `json:"title"`
		SessionType  string         `json:"session_type"`
		Model        string         `json:"model"`
		SystemPrompt string         `json:"system_prompt"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.eng.CreateSession(r.Context(), engine.CreateOptions{
		AgentID:      req.AgentID,
		Type:         store.SessionType(req.SessionType),
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.st.ListMessages(r.Context(), id, nil, recentMessageCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    *string        `json:"title"`
		Metadata map[string]any `json:"metadata"`
		Status   *string        `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Status != nil {
		switch store.SessionStatus(*req.Status) {
		case store.SessionEnded:
			if err := s.eng.EndSession(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
		case store.SessionActive:
			// reopening is not supported; active is a no-op
		default:
			writeError(w, &protect.ValidationError{Field: "status", Reason: "must be active or ended"})
			return
		}
	}

	if req.Title != nil {
		sess.Title = store.ClampTitle(*req.Title)
	}
	if req.Metadata != nil {
		sess.Metadata = req.Metadata
	}
	if req.Title != nil || req.Metadata != nil {
		if err := s.st.UpdateSession(r.Context(), sess); err != nil {
			writeError(w, err)
			return
		}
	}

	sess, err = s.st.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, &protect.ValidationError{Field: "since", Reason: "not ISO 8601"})
			return
		}
		since = &t
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	msgs, err := s.st.ListMessages(r.Context(), r.PathValue("id"), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.eng.EndSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.SessionStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
