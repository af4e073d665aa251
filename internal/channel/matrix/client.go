// Package matrix implements the Matrix channel: user messages feed activity
// and loop extraction, idle-breaker messages go back to the user's room.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/engage/pkg/channel"
)

const (
	maxMessageLen   = 4000
	loginAttempts   = 10
	loginBackoff    = 2 * time.Second
	loginMaxBackoff = 2 * time.Minute
	resyncDelay     = 15 * time.Second
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "engage"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config   Config
	client   *mautrix.Client
	self     id.UserID
	handler  channel.MessageHandler
	since    int64 // ignore events older than this (ms)
	credFile string
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:   cfg,
		self:     id.NewUserID(cfg.UserID, cfg.ServerName),
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start logs in and syncs until ctx is cancelled, reconnecting on sync errors.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.since = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	client, err := mautrix.NewClient(c.config.Homeserver, c.self, "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()
	c.client = client

	if err := c.login(ctx); err != nil {
		return err
	}
	c.self = client.UserID

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	slog.Info("matrix channel ready", "user", c.self)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("matrix sync stopped, reconnecting", "error", err, "delay", resyncDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resyncDelay):
		}
	}
}

// login restores saved credentials or logs in with the password, backing
// off between attempts.
func (c *Channel) login(ctx context.Context) error {
	if creds, err := c.loadCredentials(); err == nil {
		c.client.AccessToken = creds.AccessToken
		c.client.UserID = id.UserID(creds.UserID)
		c.client.DeviceID = id.DeviceID(creds.DeviceID)
		slog.Info("matrix: using saved credentials", "user", creds.UserID)
		return nil
	}

	wait := loginBackoff
	for attempt := 1; ; attempt++ {
		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("matrix: logged in", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("matrix login: %w", err)
		}
		if attempt == loginAttempts {
			return fmt.Errorf("matrix login after %d attempts: %w", attempt, err)
		}

		slog.Warn("matrix login failed, retrying", "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, loginMaxBackoff)
	}
}

// retryable reports whether a login error may succeed on a later attempt.
func retryable(err error) bool {
	msg := err.Error()
	for _, code := range []string{"M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM", "M_USER_DEACTIVATED"} {
		if strings.Contains(msg, code) {
			return false
		}
	}
	return true
}

// Send delivers a message to a room, splitting it when it is too long.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.client == nil {
		return fmt.Errorf("matrix send: channel not started")
	}
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			return fmt.Errorf("matrix send to %s: %w", roomID, err)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	msg, ok := c.accept(evt)
	if !ok {
		return
	}
	slog.Debug("matrix message received", "sender", msg.SenderID, "room", msg.RoomID, "len", len(msg.Content))
	if err := c.handler(ctx, msg); err != nil {
		slog.Warn("matrix: message handler failed", "sender", msg.SenderID, "error", err)
	}
}

// accept filters events down to fresh text messages from allowed users.
func (c *Channel) accept(evt *event.Event) (channel.Message, bool) {
	if evt.Sender == c.self || evt.Timestamp < c.since || !c.isAllowed(evt.Sender) {
		return channel.Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return channel.Message{}, false
	}
	return channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}, true
}

// onMemberEvent auto-joins rooms allowed users invite us to.
func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.self) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("matrix: ignoring invite from unauthorized user", "sender", evt.Sender)
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Warn("matrix: join failed", "room", evt.RoomID, "error", err)
		return
	}
	slog.Info("matrix: joined room", "room", evt.RoomID, "from", evt.Sender)
}

func (c *Channel) loadCredentials() (credentials, error) {
	var creds credentials
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, err
	}
	if creds.AccessToken == "" {
		return creds, fmt.Errorf("empty access token in %s", c.credFile)
	}
	return creds, nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("matrix: save credentials", "error", err)
	}
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if allowed == "" || string(sender) == allowed {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen bytes without
// splitting a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
