package status

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/portside-labs/kgbridge/internal/ledger"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// queryInt parses an integer query parameter, falling back when absent
// or malformed.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// documentView is the JSON shape of one ledger entry.
type documentView struct {
	DocumentID  string     `json:"document_id"`
	Status      string     `json:"status"`
	Dirty       bool       `json:"dirty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	EventSeenAt *time.Time `json:"event_seen_at,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func viewOf(entry *ledger.Entry) documentView {
	return documentView{
		DocumentID:  entry.DocumentID,
		Status:      entry.Status,
		Dirty:       entry.Dirty,
		Attempts:    entry.Attempts,
		LastError:   entry.LastError,
		EventSeenAt: entry.EventSeenAt,
		SyncedAt:    entry.SyncedAt,
		UpdatedAt:   entry.UpdatedAt,
	}
}

// logView is the JSON shape of one audit log row.
type logView struct {
	DocumentID string    `json:"document_id"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	filter := ledger.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	entries, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]documentView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewOf(entry))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": views,
		"count":     len(views),
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entry, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "unknown document")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{
		"document": viewOf(entry),
	}
	if shape, ok, err := s.ledger.AppliedShape(r.Context(), id); err == nil && ok {
		response["applied_shape"] = json.RawMessage(shape)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	entries, err := s.ledger.RecentLog(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]logView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, logView{
			DocumentID: entry.DocumentID,
			Outcome:    entry.Outcome,
			Detail:     entry.Detail,
			DurationMS: entry.Duration.Milliseconds(),
			OccurredAt: entry.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"log":   views,
		"count": len(views),
	})
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.writer.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// maxSyncBatch bounds one manual sync request.
const maxSyncBatch = 100

// handleSync queues a batch of documents for synchronization on
// demand. The documents go through the normal queue, so coalescing and
// single-flight rules still apply.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "document_ids is required")
		return
	}
	if len(req.DocumentIDs) > maxSyncBatch {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d documents per request", maxSyncBatch))
		return
	}

	queued := 0
	for _, id := range req.DocumentIDs {
		if id == "" {
			continue
		}
		if err := s.engine.Enqueue(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		queued++
	}
	if queued == 0 {
		writeError(w, http.StatusBadRequest, "document_ids is required")
		return
	}

	s.logger.Info("manual sync queued", "count", queued)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"count":  queued,
	})
}
