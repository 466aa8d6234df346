package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// stubSandbox satisfies sandbox.Sandbox with a fixed kind.
type stubSandbox struct{ kind string }

func (s *stubSandbox) Kind() string                    { return s.kind }
func (s *stubSandbox) Dispose(ctx context.Context) error { return nil }

// decisionRecorder captures a single permission response.
type decisionRecorder struct {
	mu       sync.Mutex
	decision string
	note     string
	calls    int
}

func (d *decisionRecorder) respond(decision, note string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decision = decision
	d.note = note
	d.calls++
}

func (d *decisionRecorder) get() (string, string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decision, d.note, d.calls
}

func newTestBridge(t *testing.T, registry *sandbox.Registry, sandboxes *sandbox.Factory) (*PermissionBridge, *ApprovalManager, *EventBus) {
	t.Helper()
	policy, err := sandbox.NewCommandPolicy(sandbox.PolicyConfig{})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	approvals := NewApprovalManager(nil)
	bus := NewEventBus(nil)
	return NewPermissionBridge(approvals, policy, registry, sandboxes, bus, nil), approvals, bus
}

func TestBridgeAutoAllowsSafeCommand(t *testing.T) {
	t.Parallel()

	bridge, approvals, _ := newTestBridge(t, sandbox.NewRegistry(), nil)

	rec := &decisionRecorder{}
	bridge.Handle("t1", agent.MonitorEvent{
		Type:    agent.MonitorPermissionRequired,
		Call:    &agent.ToolCall{Name: ShellExecTool, Args: map[string]any{"command": "git status"}},
		Respond: rec.respond,
	})

	decision, note, calls := rec.get()
	if calls != 1 || decision != agent.DecisionAllow {
		t.Fatalf("safe command must be auto-allowed, got decision=%q calls=%d", decision, calls)
	}
	if note != "auto-approved by safe command policy" {
		t.Errorf("note = %q", note)
	}
	if approvals.Len() != 0 {
		t.Errorf("nothing should be parked, Len = %d", approvals.Len())
	}
}

func TestBridgeParksUnsafeCommand(t *testing.T) {
	t.Parallel()

	bridge, approvals, bus := newTestBridge(t, sandbox.NewRegistry(), nil)
	frames, unsub := bus.Subscribe()
	defer unsub()

	rec := &decisionRecorder{}
	bridge.Handle("t1", agent.MonitorEvent{
		Type:    agent.MonitorPermissionRequired,
		Call:    &agent.ToolCall{Name: ShellExecTool, Args: map[string]any{"command": "rm -rf build"}},
		Respond: rec.respond,
	})

	if _, _, calls := rec.get(); calls != 0 {
		t.Fatal("unsafe command must not be answered inline")
	}
	if approvals.Len() != 1 {
		t.Fatalf("approvals.Len = %d, want 1", approvals.Len())
	}

	select {
	case frame := <-frames:
		var ev struct {
			Type string `json:"type"`
			Data struct {
				PermissionID string `json:"permission_id"`
				TaskID       string `json:"task_id"`
				Tool         string `json:"tool"`
			} `json:"data"`
		}
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if ev.Type != EventApprovalNeeded || ev.Data.TaskID != "t1" || ev.Data.Tool != ShellExecTool {
			t.Errorf("unexpected approval frame: %s", frame)
		}
		if ev.Data.PermissionID == "" {
			t.Error("approval frame must carry the permission id")
		}

		// The eventual human decision resolves the parked responder.
		if !approvals.Decide(ev.Data.PermissionID, DecisionDeny, "looks risky") {
			t.Fatal("decide failed for the parked approval")
		}
		decision, note, calls := rec.get()
		if calls != 1 || decision != DecisionDeny || note != "looks risky" {
			t.Errorf("responder got (%q, %q, %d)", decision, note, calls)
		}
	case <-time.After(time.Second):
		t.Fatal("approval_needed never published")
	}
}

func TestBridgeParksNonShellTool(t *testing.T) {
	t.Parallel()

	bridge, approvals, _ := newTestBridge(t, sandbox.NewRegistry(), nil)

	rec := &decisionRecorder{}
	bridge.Handle("t1", agent.MonitorEvent{
		Type:    agent.MonitorPermissionRequired,
		Call:    &agent.ToolCall{Name: "write_file", Args: map[string]any{"path": "/etc/hosts"}},
		Respond: rec.respond,
	})

	if _, _, calls := rec.get(); calls != 0 {
		t.Fatal("non-shell tools always need a human decision")
	}
	if approvals.Len() != 1 {
		t.Errorf("approvals.Len = %d, want 1", approvals.Len())
	}
}

func TestBridgeAutoAllowsIsolatedSandbox(t *testing.T) {
	t.Parallel()

	registry := sandbox.NewRegistry()
	registry.Install("t1", &stubSandbox{kind: "ssh"})
	sandboxes := sandbox.NewFactory(sandbox.DefaultConfig(), nil)

	bridge, approvals, _ := newTestBridge(t, registry, sandboxes)

	rec := &decisionRecorder{}
	bridge.Handle("t1", agent.MonitorEvent{
		Type:    agent.MonitorPermissionRequired,
		Call:    &agent.ToolCall{Name: ShellExecTool, Args: map[string]any{"command": "rm -rf /tmp/scratch"}},
		Respond: rec.respond,
	})

	decision, note, calls := rec.get()
	if calls != 1 || decision != agent.DecisionAllow {
		t.Fatalf("isolated sandbox must auto-allow, got decision=%q calls=%d", decision, calls)
	}
	if note != "auto-approved: isolated ssh sandbox" {
		t.Errorf("note = %q", note)
	}
	if approvals.Len() != 0 {
		t.Errorf("approvals.Len = %d", approvals.Len())
	}
}

func TestBridgeLocalSandboxStillChecksPolicy(t *testing.T) {
	t.Parallel()

	registry := sandbox.NewRegistry()
	registry.Install("t1", &stubSandbox{kind: "local"})
	sandboxes := sandbox.NewFactory(sandbox.DefaultConfig(), nil)

	bridge, approvals, _ := newTestBridge(t, registry, sandboxes)

	rec := &decisionRecorder{}
	bridge.Handle("t1", agent.MonitorEvent{
		Type:    agent.MonitorPermissionRequired,
		Call:    &agent.ToolCall{Name: ShellExecTool, Args: map[string]any{"command": "rm -rf /tmp/scratch"}},
		Respond: rec.respond,
	})

	if _, _, calls := rec.get(); calls != 0 {
		t.Fatal("local sandbox is not isolated; an unsafe command must be parked")
	}
	if approvals.Len() != 1 {
		t.Errorf("approvals.Len = %d, want 1", approvals.Len())
	}
}

func TestBridgeIgnoresMalformedEvents(t *testing.T) {
	t.Parallel()

	bridge, approvals, _ := newTestBridge(t, sandbox.NewRegistry(), nil)

	bridge.Handle("t1", agent.MonitorEvent{Type: agent.MonitorPermissionRequired})
	bridge.Handle("t1", agent.MonitorEvent{
		Type: agent.MonitorPermissionRequired,
		Call: &agent.ToolCall{Name: ShellExecTool},
	})

	if approvals.Len() != 0 {
		t.Errorf("malformed events must be ignored, Len = %d", approvals.Len())
	}
}
