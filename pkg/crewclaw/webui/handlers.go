package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// statusCoder is implemented by typed orchestrator errors that know their
// HTTP status.
type statusCoder interface {
	error
	StatusCode() int
}

// writeJSON serializes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps typed errors to their status; everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if sc, ok := err.(statusCoder); ok {
		status = sc.StatusCode()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ── Health ──

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Chat ──

// handleChat runs one streaming turn and writes each event as an SSE frame.
// Slash commands are answered inline without touching the agent.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Message string `json:"message"`
		// Older clients sent the text under "content"; accept it as an alias.
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing message"})
		return
	}
	text := body.Message
	if text == "" {
		text = body.Content
	}
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing message"})
		return
	}

	if strings.HasPrefix(text, "/") {
		resp, err := s.orch.Command(text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"response": resp})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	err := s.orch.UserTurn(r.Context(), text, func(eventType string, data any) {
		writeSSE(w, flusher, eventType, data)
	})
	if err != nil {
		writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}
	writeSSE(w, flusher, "stream_end", nil)
}

// ── Commands ──

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing command"})
		return
	}

	resp, err := s.orch.Command(body.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

// ── Event firehose ──

// handleEvents streams the bus to the client until it disconnects. Frames are
// already serialized; they are forwarded verbatim.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.orch.Events()
	defer unsubscribe()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case frame, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ── Snapshots ──

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Tasks())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid n"})
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, s.orch.HistoryEntries(n))
}

// ── Approvals ──

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		PermissionID string `json:"permissionId"`
		// approval_needed bus frames spell the id permission_id; accept it
		// so clients may echo the frame field back.
		AltID    string `json:"permission_id"`
		Decision string `json:"decision"` // allow | deny
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing permissionId"})
		return
	}
	id := body.PermissionID
	if id == "" {
		id = body.AltID
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing permissionId"})
		return
	}
	if body.Decision != "allow" && body.Decision != "deny" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be allow or deny"})
		return
	}

	if !s.orch.Approve(id, body.Decision, body.Note) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "permission not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Decision})
}

// ── Sandboxes ──

func (s *Server) handleSandboxDispose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		TaskID string `json:"taskId"`
		// Task bus frames spell the id task_id; accept it as an alias.
		AltID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing taskId"})
		return
	}
	id := body.TaskID
	if id == "" {
		id = body.AltID
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing taskId"})
		return
	}

	if !s.orch.DisposeSandbox(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no live sandbox for task"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disposed"})
}

// writeSSE writes one typed SSE frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
