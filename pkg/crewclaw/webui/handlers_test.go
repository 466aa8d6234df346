package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeOrch scripts the orchestrator surface the HTTP boundary drives.
type fakeOrch struct {
	turnEvents []map[string]any
	turnErr    error
	turnInput  string

	cmdResp string
	cmdErr  error
	command string

	frames [][]byte

	approveOK bool
	disposeOK bool

	historyN int
}

func (f *fakeOrch) UserTurn(ctx context.Context, text string, emit func(string, any)) error {
	f.turnInput = text
	for _, ev := range f.turnEvents {
		emit(ev["type"].(string), ev["data"])
	}
	return f.turnErr
}

func (f *fakeOrch) Command(content string) (string, error) {
	f.command = content
	return f.cmdResp, f.cmdErr
}

func (f *fakeOrch) Events() (<-chan []byte, func()) {
	ch := make(chan []byte, len(f.frames))
	for _, frame := range f.frames {
		ch <- frame
	}
	close(ch)
	return ch, func() {}
}

func (f *fakeOrch) Status() any { return map[string]int{"running": 2, "queued": 1} }
func (f *fakeOrch) Tasks() any  { return []map[string]string{{"id": "t1"}} }

func (f *fakeOrch) HistoryEntries(n int) any {
	f.historyN = n
	return []map[string]string{{"role": "user", "content": "hi"}}
}

func (f *fakeOrch) Approve(permissionID, decision, note string) bool { return f.approveOK }
func (f *fakeOrch) DisposeSandbox(taskID string) bool                { return f.disposeOK }

// coded is a typed error carrying its HTTP status, mirroring the
// orchestrator's validation and not-found errors.
type coded struct {
	msg  string
	code int
}

func (e *coded) Error() string   { return e.msg }
func (e *coded) StatusCode() int { return e.code }

func newTestServer(fake *fakeOrch, authToken string) *Server {
	return New(Config{AuthToken: authToken}, fake, nil)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeOrch{}, "secret")

	// Health needs no token.
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Errorf("health: code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST health: code=%d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeOrch{}, "secret")
	protected := s.authMiddleware(s.handleStatus)

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		r.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		protected(rec, r)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, want 401", rec.Code)
		}
	})

	t.Run("header token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		r.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		protected(rec, r)
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d, want 200", rec.Code)
		}
	})

	t.Run("query token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected(rec, httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d, want 200", rec.Code)
		}
	})

	t.Run("cookie token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		r.AddCookie(&http.Cookie{Name: "crewclaw_token", Value: "secret"})
		rec := httptest.NewRecorder()
		protected(rec, r)
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d, want 200", rec.Code)
		}
	})

	t.Run("no token configured", func(t *testing.T) {
		open := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		open.authMiddleware(open.handleStatus)(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d, want 200", rec.Code)
		}
	})
}

func TestHandleChat(t *testing.T) {
	t.Parallel()

	t.Run("streams events then stream_end", func(t *testing.T) {
		fake := &fakeOrch{turnEvents: []map[string]any{
			{"type": "orchestrator_text", "data": map[string]string{"text": "hello"}},
			{"type": "orchestrator_done", "data": nil},
		}}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"do the thing"}`))
		s.handleChat(rec, r)

		if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("content type = %q", ct)
		}
		if fake.turnInput != "do the thing" {
			t.Errorf("turn input = %q", fake.turnInput)
		}
		body := rec.Body.String()
		frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
		if len(frames) != 3 {
			t.Fatalf("got %d frames: %q", len(frames), body)
		}
		if !strings.Contains(frames[0], `"orchestrator_text"`) || !strings.Contains(frames[0], "hello") {
			t.Errorf("first frame = %q", frames[0])
		}
		if !strings.Contains(frames[2], `"stream_end"`) {
			t.Errorf("last frame = %q", frames[2])
		}
	})

	t.Run("content accepted as body-key alias", func(t *testing.T) {
		fake := &fakeOrch{}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleChat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"content":"legacy body"}`)))
		if fake.turnInput != "legacy body" {
			t.Errorf("turn input = %q", fake.turnInput)
		}
	})

	t.Run("slash command answered as plain json", func(t *testing.T) {
		fake := &fakeOrch{cmdResp: "运行中 0/5, 排队 0"}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleChat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"/status"}`)))

		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want json (no SSE upgrade)", ct)
		}
		if rec.Code != http.StatusOK || decodeBody(t, rec)["response"] != "运行中 0/5, 排队 0" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
		if fake.command != "/status" || fake.turnInput != "" {
			t.Errorf("command=%q turnInput=%q", fake.command, fake.turnInput)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleChat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "missing message" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("turn error becomes error frame", func(t *testing.T) {
		fake := &fakeOrch{turnErr: errors.New("agent unavailable")}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleChat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"x"}`)))

		body := rec.Body.String()
		if !strings.Contains(body, `"error"`) || !strings.Contains(body, "agent unavailable") {
			t.Errorf("body = %q", body)
		}
		if strings.Contains(body, "stream_end") {
			t.Error("failed turn must not emit stream_end")
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleChat(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("code = %d", rec.Code)
		}
	})
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		fake := &fakeOrch{cmdResp: "运行中 0/5, 排队 0"}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{"command":"/status"}`)))

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		if decodeBody(t, rec)["response"] != "运行中 0/5, 排队 0" {
			t.Errorf("body = %s", rec.Body.String())
		}
		if fake.command != "/status" {
			t.Errorf("command = %q", fake.command)
		}
	})

	t.Run("missing command", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("typed error keeps its status", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			code int
		}{
			{"validation", &coded{msg: "bad argument", code: http.StatusBadRequest}, http.StatusBadRequest},
			{"not found", &coded{msg: "no such task", code: http.StatusNotFound}, http.StatusNotFound},
			{"plain", errors.New("boom"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newTestServer(&fakeOrch{cmdErr: tt.err}, "")
				rec := httptest.NewRecorder()
				s.handleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{"command":"/x"}`)))
				if rec.Code != tt.code {
					t.Errorf("code = %d, want %d", rec.Code, tt.code)
				}
				if decodeBody(t, rec)["error"] != tt.err.Error() {
					t.Errorf("body = %s", rec.Body.String())
				}
			})
		}
	})
}

func TestHandleEvents(t *testing.T) {
	t.Parallel()

	fake := &fakeOrch{frames: [][]byte{
		[]byte(`{"type":"phase","data":{"phase":"planning"}}`),
		[]byte(`{"type":"task_update","data":{"task_id":"t1"}}`),
	}}
	s := newTestServer(fake, "")

	rec := httptest.NewRecorder()
	s.handleEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	body := rec.Body.String()
	if !strings.HasPrefix(body, ": connected\n\n") {
		t.Fatalf("stream must open with a comment frame: %q", body)
	}
	// Frames are forwarded verbatim, not re-serialized.
	if !strings.Contains(body, "data: "+`{"type":"phase","data":{"phase":"planning"}}`+"\n\n") {
		t.Errorf("first frame missing or altered: %q", body)
	}
	if !strings.Contains(body, `"task_update"`) {
		t.Errorf("second frame missing: %q", body)
	}
}

func TestHandleSnapshots(t *testing.T) {
	t.Parallel()

	fake := &fakeOrch{}
	s := newTestServer(fake, "")

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running":2`) {
		t.Errorf("status: code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handleTasks(rec, httptest.NewRequest(http.MethodGet, "/api/bg-tasks", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"t1"`) {
		t.Errorf("tasks: code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()

	t.Run("default limit", func(t *testing.T) {
		fake := &fakeOrch{}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
		if rec.Code != http.StatusOK || fake.historyN != 50 {
			t.Errorf("code=%d n=%d", rec.Code, fake.historyN)
		}
	})

	t.Run("explicit limit", func(t *testing.T) {
		fake := &fakeOrch{}
		s := newTestServer(fake, "")
		rec := httptest.NewRecorder()
		s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history?n=5", nil))
		if fake.historyN != 5 {
			t.Errorf("n = %d, want 5", fake.historyN)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, raw := range []string{"abc", "0", "-3"} {
			s := newTestServer(&fakeOrch{}, "")
			rec := httptest.NewRecorder()
			s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history?n="+raw, nil))
			if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "invalid n" {
				t.Errorf("n=%q: code=%d body=%s", raw, rec.Code, rec.Body.String())
			}
		}
	})
}

func TestHandleApproval(t *testing.T) {
	t.Parallel()

	t.Run("resolves", func(t *testing.T) {
		s := newTestServer(&fakeOrch{approveOK: true}, "")
		rec := httptest.NewRecorder()
		s.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/approval",
			strings.NewReader(`{"permissionId":"p1","decision":"allow","note":"looks fine"}`)))
		if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "allow" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("frame spelling accepted", func(t *testing.T) {
		s := newTestServer(&fakeOrch{approveOK: true}, "")
		rec := httptest.NewRecorder()
		s.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/approval",
			strings.NewReader(`{"permission_id":"p1","decision":"allow"}`)))
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newTestServer(&fakeOrch{approveOK: false}, "")
		rec := httptest.NewRecorder()
		s.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/approval",
			strings.NewReader(`{"permissionId":"ghost","decision":"deny"}`)))
		if rec.Code != http.StatusNotFound {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/approval",
			strings.NewReader(`{"decision":"allow"}`)))
		if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "missing permissionId" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bad decision", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/approval",
			strings.NewReader(`{"permissionId":"p1","decision":"maybe"}`)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("code = %d", rec.Code)
		}
	})
}

func TestHandleSandboxDispose(t *testing.T) {
	t.Parallel()

	t.Run("disposes", func(t *testing.T) {
		s := newTestServer(&fakeOrch{disposeOK: true}, "")
		rec := httptest.NewRecorder()
		s.handleSandboxDispose(rec, httptest.NewRequest(http.MethodPost, "/api/sandbox/dispose",
			strings.NewReader(`{"taskId":"t1"}`)))
		if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "disposed" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("frame spelling accepted", func(t *testing.T) {
		s := newTestServer(&fakeOrch{disposeOK: true}, "")
		rec := httptest.NewRecorder()
		s.handleSandboxDispose(rec, httptest.NewRequest(http.MethodPost, "/api/sandbox/dispose",
			strings.NewReader(`{"task_id":"t1"}`)))
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("no live sandbox", func(t *testing.T) {
		s := newTestServer(&fakeOrch{disposeOK: false}, "")
		rec := httptest.NewRecorder()
		s.handleSandboxDispose(rec, httptest.NewRequest(http.MethodPost, "/api/sandbox/dispose",
			strings.NewReader(`{"taskId":"t9"}`)))
		if rec.Code != http.StatusNotFound {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("missing task id", func(t *testing.T) {
		s := newTestServer(&fakeOrch{}, "")
		rec := httptest.NewRecorder()
		s.handleSandboxDispose(rec, httptest.NewRequest(http.MethodPost, "/api/sandbox/dispose",
			strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "missing taskId" {
			t.Errorf("code=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}
