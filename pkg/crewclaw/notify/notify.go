// Package notify pushes daemon events to external channels. The announcer
// consumes the orchestrator's serialized event stream, so it depends only on
// the wire shape of bus frames, not on the orchestration core.
//
// One channel ships by default: Discord, announcing terminal task
// transitions and pending tool approvals via discordgo.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Config holds notification configuration.
type Config struct {
	// Discord configures the Discord announcer.
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig configures the Discord announcer.
type DiscordConfig struct {
	// Enabled turns Discord announcements on/off.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// ChannelID is the channel announcements are posted to.
	ChannelID string `yaml:"channel_id"`
}

// frame mirrors the bus envelope: {"type": ..., "data": ...}.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// taskView is the slice of a task snapshot the announcer formats.
type taskView struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	SandboxURL  string `json:"sandbox_url"`
}

// approvalView is the slice of a pending approval the announcer formats.
type approvalView struct {
	ID     string `json:"permission_id"`
	TaskID string `json:"task_id"`
	Tool   string `json:"tool"`
}

// Announcer forwards selected daemon events to Discord.
type Announcer struct {
	cfg     DiscordConfig
	name    string
	logger  *slog.Logger
	session *discordgo.Session

	mu sync.Mutex
	// announced tracks which task ids already had their terminal transition
	// posted, so status re-emissions do not double-post.
	announced map[string]bool

	cancel context.CancelFunc
}

// NewAnnouncer creates a Discord announcer. name is the service name shown
// in messages.
func NewAnnouncer(cfg DiscordConfig, name string, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		cfg:       cfg,
		name:      name,
		logger:    logger.With("component", "notify"),
		announced: make(map[string]bool),
	}
}

// Start opens the Discord session and begins consuming bus frames.
// unsubscribe is called when the context ends.
func (a *Announcer) Start(ctx context.Context, events <-chan []byte, unsubscribe func()) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("notify: discord bot token is required")
	}
	if a.cfg.ChannelID == "" {
		return fmt.Errorf("notify: discord channel_id is required")
	}

	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("notify: creating discord session: %w", err)
	}
	// Announce-only: no gateway intents needed beyond the default.
	if err := session.Open(); err != nil {
		return fmt.Errorf("notify: opening discord session: %w", err)
	}
	a.session = session

	ctx, a.cancel = context.WithCancel(ctx)
	go a.consume(ctx, events, unsubscribe)

	a.logger.Info("discord announcer started", "channel_id", a.cfg.ChannelID)
	return nil
}

// Stop closes the Discord session.
func (a *Announcer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.session != nil {
		a.session.Close()
		a.logger.Info("discord announcer stopped")
	}
}

func (a *Announcer) consume(ctx context.Context, events <-chan []byte, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return
			}
			a.handleFrame(raw)
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame filters one bus frame. Only terminal phase transitions and new
// approval requests are announced; streaming chatter is ignored.
func (a *Announcer) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	switch f.Type {
	case "phase":
		var t taskView
		if err := json.Unmarshal(f.Data, &t); err != nil || t.ID == "" {
			return
		}
		if !isTerminal(t.Status) {
			return
		}
		a.mu.Lock()
		if a.announced[t.ID] {
			a.mu.Unlock()
			return
		}
		a.announced[t.ID] = true
		a.mu.Unlock()
		a.post(formatTask(a.name, t))

	case "approval_needed":
		var p approvalView
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
			return
		}
		a.post(fmt.Sprintf("**%s** tool approval needed\ntask `%s` wants `%s`\napprove: `/confirm %s`  deny: `/cancel %s`",
			a.name, p.TaskID, p.Tool, p.ID, p.ID))
	}
}

func (a *Announcer) post(msg string) {
	if _, err := a.session.ChannelMessageSend(a.cfg.ChannelID, msg); err != nil {
		a.logger.Warn("discord announce failed", "error", err)
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func formatTask(name string, t taskView) string {
	switch t.Status {
	case "completed":
		msg := fmt.Sprintf("**%s** task `%s` completed: %s", name, t.ID, t.Description)
		if t.SandboxURL != "" {
			msg += "\npreview: " + t.SandboxURL
		}
		return msg
	case "failed":
		return fmt.Sprintf("**%s** task `%s` failed: %s\nerror: %s", name, t.ID, t.Description, t.Error)
	default:
		return fmt.Sprintf("**%s** task `%s` cancelled: %s", name, t.ID, t.Description)
	}
}
