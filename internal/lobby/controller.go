// Package lobby runs the session lifecycle: it opens private channels when a
// persona trigger is used, relays conversation turns to the completion
// endpoint, and tears sessions down on command or when they go idle.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/zulandar/parlor/internal/completion"
	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/logging"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/session"
)

const (
	// DefaultCloseCommand ends the session owning the channel it is sent in.
	DefaultCloseCommand = "!close"
	// DefaultCloseDelay is the pause between the closing notice and deletion.
	DefaultCloseDelay = time.Second
	// DefaultThinkingTTL is how long the thinking indicator stays visible.
	DefaultThinkingTTL = 3 * time.Second

	// maxUnexpectedLen bounds the error text echoed for unexpected failures.
	maxUnexpectedLen = 500
)

// User-facing messages.
const (
	msgAlreadyActive = "⚠️ You already have an active session"
	msgClosing       = "🛑 Closing session..."
	msgWrongChannel  = "❌ `%s` must be used in <#%s>"
	msgCreateFailed  = "❌ Failed to create channel: %v"
	msgAPIError      = "⚠️ API Error: %s"
	msgUnexpected    = "⚠️ Unexpected error: %s"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonCommand  CloseReason = "command"
	ReasonIdle     CloseReason = "idle"
	ReasonShutdown CloseReason = "shutdown"
	// ReasonRestart marks records a previous process left open.
	ReasonRestart CloseReason = "restart"
)

// Completer streams a reply for a conversation into a sink.
type Completer interface {
	Stream(ctx context.Context, msgs []completion.Message, sink completion.Sink) (string, error)
}

// Controller reacts to inbound messages and drives each user's session
// through Idle, Active and Closing.
type Controller struct {
	gw           gateway.Gateway
	personas     *persona.Registry
	store        *session.Store
	completer    Completer
	ledger       Ledger
	logger       *slog.Logger
	closeCommand string
	closeDelay   time.Duration
	thinkingTTL  time.Duration

	sleep func(ctx context.Context, d time.Duration)

	// turns serializes conversation turns per user so the transcript keeps
	// user/assistant order.
	turnsMu sync.Mutex
	turns   map[string]*sync.Mutex
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Gateway      gateway.Gateway
	Personas     *persona.Registry
	Store        *session.Store
	Completer    Completer
	Ledger       Ledger        // optional; defaults to a no-op ledger
	Logger       *slog.Logger  // optional
	CloseCommand string        // defaults to DefaultCloseCommand
	CloseDelay   time.Duration // defaults to DefaultCloseDelay; negative disables
	ThinkingTTL  time.Duration // defaults to DefaultThinkingTTL
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("lobby: gateway is required")
	}
	if opts.Personas == nil {
		return nil, fmt.Errorf("lobby: personas are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("lobby: store is required")
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("lobby: completer is required")
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NopLedger{}
	}
	closeCmd := opts.CloseCommand
	if closeCmd == "" {
		closeCmd = DefaultCloseCommand
	}
	closeDelay := opts.CloseDelay
	if closeDelay == 0 {
		closeDelay = DefaultCloseDelay
	}
	thinkingTTL := opts.ThinkingTTL
	if thinkingTTL <= 0 {
		thinkingTTL = DefaultThinkingTTL
	}
	return &Controller{
		gw:           opts.Gateway,
		personas:     opts.Personas,
		store:        opts.Store,
		completer:    opts.Completer,
		ledger:       ledger,
		logger:       logging.Component(opts.Logger, "lobby"),
		closeCommand: closeCmd,
		closeDelay:   closeDelay,
		thinkingTTL:  thinkingTTL,
		sleep:        sleep,
		turns:        make(map[string]*sync.Mutex),
	}, nil
}

// Store returns the session store the controller operates on.
func (c *Controller) Store() *session.Store { return c.store }

// Handle processes one inbound message. Activity is recorded for every
// human author before any matching. Unexpected failures, including panics,
// are reported in the message's channel and never escape.
func (c *Controller) Handle(ctx context.Context, msg gateway.Message) {
	if msg.Bot || msg.AuthorID == "" {
		return
	}
	c.store.Touch(msg.AuthorID)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			c.logger.Error("handler panic", "user", msg.AuthorID, "channel", msg.ChannelID, "err", tint.Err(err))
			c.reportUnexpected(ctx, msg.ChannelID, err)
		}
	}()

	text := strings.TrimSpace(msg.Text)

	if strings.EqualFold(text, c.closeCommand) {
		if owner, ok := c.store.LookupByChannel(msg.ChannelID); ok {
			c.Close(ctx, owner.UserID, ReasonCommand)
			return
		}
	}

	if p, ok := c.personas.Resolve(msg.Text); ok {
		c.open(ctx, msg, p)
		return
	}

	sess, ok := c.store.LookupByChannel(msg.ChannelID)
	if !ok || sess.UserID != msg.AuthorID || sess.State != session.StateActive {
		return
	}
	c.converse(ctx, msg, sess)
}

// open handles a persona trigger.
func (c *Controller) open(ctx context.Context, msg gateway.Message, p persona.Persona) {
	log := c.logger.With("user", msg.AuthorID, "persona", p.ID)

	if msg.ChannelID != p.OriginChannelID {
		c.rejectWrongChannel(ctx, msg, p)
		return
	}

	if err := c.store.Reserve(msg.AuthorID); err != nil {
		log.Debug("trigger ignored, session exists")
		c.send(ctx, msg.ChannelID, msgAlreadyActive)
		return
	}

	channelID, err := c.gw.CreatePrivateChannel(ctx, gateway.ChannelSpec{
		GuildID:  msg.GuildID,
		Name:     p.ChannelName(msg.AuthorName),
		Topic:    p.Topic(msg.AuthorName),
		Reason:   fmt.Sprintf("%s session for %s", p.Name, msg.AuthorName),
		MemberID: msg.AuthorID,
	})
	if err != nil {
		c.store.Release(msg.AuthorID)
		log.Error("channel creation failed", "err", tint.Err(err))
		if rerr := c.gw.ReportToSystemChannel(ctx, msg.GuildID, fmt.Sprintf(msgCreateFailed, err)); rerr != nil {
			log.Warn("report to system channel", "err", tint.Err(rerr))
		}
		return
	}

	if p.SlowmodeSec > 0 {
		if err := c.gw.SetSlowmode(ctx, channelID, p.SlowmodeSec); err != nil {
			log.Warn("set slowmode", "channel", channelID, "err", tint.Err(err))
		}
	}

	sess, err := c.store.Create(msg.AuthorID, p, channelID)
	if err != nil {
		// Unreachable while the reservation is held; never leave the
		// channel orphaned.
		c.store.Release(msg.AuthorID)
		log.Error("register session", "err", tint.Err(err))
		if derr := c.gw.DeleteChannel(ctx, channelID); derr != nil {
			log.Warn("delete orphaned channel", "channel", channelID, "err", tint.Err(derr))
		}
		return
	}

	if err := c.ledger.Opened(ctx, sess, msg); err != nil {
		log.Warn("ledger: record open", "err", tint.Err(err))
	}
	log.Info("session opened", "session", sess.ID, "channel", channelID)

	c.send(ctx, channelID, p.WelcomeText(msg.AuthorMention))
}

// rejectWrongChannel deletes a trigger used outside the persona's origin
// channel and tells the user where to use it. Missing permissions are
// tolerated silently.
func (c *Controller) rejectWrongChannel(ctx context.Context, msg gateway.Message, p persona.Persona) {
	log := c.logger.With("user", msg.AuthorID, "persona", p.ID, "channel", msg.ChannelID)
	if err := c.gw.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil && !errors.Is(err, gateway.ErrForbidden) {
		log.Warn("delete misplaced trigger", "err", tint.Err(err))
	}
	text := fmt.Sprintf(msgWrongChannel, p.Trigger, p.OriginChannelID)
	if err := c.gw.SendDM(ctx, msg.AuthorID, text); err != nil && !errors.Is(err, gateway.ErrForbidden) {
		log.Warn("dm wrong-channel notice", "err", tint.Err(err))
	}
}

// converse runs one conversation turn in the user's session channel.
func (c *Controller) converse(ctx context.Context, msg gateway.Message, sess session.Session) {
	unlock := c.lockTurn(msg.AuthorID)
	defer unlock()

	// The session may have closed, or been replaced, while this turn was
	// queued behind the previous one.
	if !c.isCurrent(msg.AuthorID, sess.ID) {
		return
	}

	p, ok := c.personas.Get(sess.PersonaID)
	if !ok {
		c.reportUnexpected(ctx, sess.ChannelID, fmt.Errorf("unknown persona %q", sess.PersonaID))
		return
	}
	log := c.logger.With("user", msg.AuthorID, "persona", p.ID, "session", sess.ID)

	if !c.store.AppendUserTurn(msg.AuthorID, sess.ID, msg.Text) {
		return
	}
	current, ok := c.store.Lookup(msg.AuthorID)
	if !ok {
		return
	}

	if err := c.gw.Send(ctx, gateway.OutboundMessage{
		ChannelID:   sess.ChannelID,
		Text:        p.ThinkingText(),
		DeleteAfter: c.thinkingTTL,
	}); err != nil {
		log.Warn("send thinking indicator", "err", tint.Err(err))
	}

	reply, err := c.completer.Stream(ctx, transcriptMessages(current.Transcript), &channelSink{gw: c.gw, channelID: sess.ChannelID})
	if err != nil {
		c.reportTurnError(ctx, log, sess, err)
		return
	}
	if reply != "" && !c.store.AppendAssistantTurn(msg.AuthorID, sess.ID, reply) {
		log.Debug("reply discarded, session closed")
		return
	}
	log.Debug("turn complete", "reply_len", len(reply))
}

// isCurrent reports whether sessionID is still the user's active session.
func (c *Controller) isCurrent(userID, sessionID string) bool {
	cur, ok := c.store.Lookup(userID)
	return ok && cur.ID == sessionID && cur.State == session.StateActive
}

func (c *Controller) reportTurnError(ctx context.Context, log *slog.Logger, sess session.Session, err error) {
	userID, channelID := sess.UserID, sess.ChannelID
	if !c.isCurrent(userID, sess.ID) {
		log.Debug("reply discarded, session closed", "err", tint.Err(err))
		return
	}
	var ue *completion.UpstreamError
	if errors.As(err, &ue) {
		log.Warn("completion failed", "status", ue.StatusCode, "attempts", ue.Attempts, "err", tint.Err(err))
		c.send(ctx, channelID, fmt.Sprintf(msgAPIError, ue.Error()))
		return
	}
	log.Error("turn failed", "err", tint.Err(err))
	c.reportUnexpected(ctx, channelID, err)
}

// Close tears down the user's session: it posts a closing notice, waits the
// close delay, deletes the channel, then clears the session records whether
// or not deletion succeeded. It reports false when there was no active
// session to close, which makes repeated calls harmless.
func (c *Controller) Close(ctx context.Context, userID string, reason CloseReason) bool {
	sess, ok := c.store.BeginClose(userID)
	if !ok {
		return false
	}
	log := c.logger.With("user", userID, "session", sess.ID, "channel", sess.ChannelID, "reason", string(reason))

	defer func() {
		final, ok := c.store.Destroy(userID)
		if !ok {
			final = sess
		}
		c.turnsMu.Lock()
		delete(c.turns, userID)
		c.turnsMu.Unlock()
		if err := c.ledger.Closed(ctx, final, reason); err != nil {
			log.Warn("ledger: record close", "err", tint.Err(err))
		}
		log.Info("session closed", "turns", final.Turns())
	}()

	if err := c.gw.Send(ctx, gateway.OutboundMessage{ChannelID: sess.ChannelID, Text: msgClosing}); err != nil {
		log.Warn("send closing notice", "err", tint.Err(err))
	}
	if c.closeDelay > 0 {
		c.sleep(ctx, c.closeDelay)
	}
	if err := c.gw.DeleteChannel(ctx, sess.ChannelID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			log.Debug("channel already gone")
		} else {
			log.Error("delete channel", "err", tint.Err(err))
		}
	}
	return true
}

// CloseAll closes every live session concurrently and returns how many it
// closed. Used on shutdown.
func (c *Controller) CloseAll(ctx context.Context, reason CloseReason) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)
	for _, s := range c.store.List() {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if c.Close(ctx, userID, reason) {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}(s.UserID)
	}
	wg.Wait()
	return n
}

func (c *Controller) send(ctx context.Context, channelID, text string) {
	if err := c.gw.Send(ctx, gateway.OutboundMessage{ChannelID: channelID, Text: text}); err != nil {
		c.logger.Warn("send message", "channel", channelID, "err", tint.Err(err))
	}
}

func (c *Controller) reportUnexpected(ctx context.Context, channelID string, err error) {
	if channelID == "" {
		return
	}
	c.send(ctx, channelID, fmt.Sprintf(msgUnexpected, truncate(err.Error(), maxUnexpectedLen)))
}

func (c *Controller) lockTurn(userID string) (unlock func()) {
	c.turnsMu.Lock()
	mu, ok := c.turns[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.turns[userID] = mu
	}
	c.turnsMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// channelSink delivers streamed chunks to a session channel.
type channelSink struct {
	gw        gateway.Gateway
	channelID string
}

func (s *channelSink) Send(ctx context.Context, text string) error {
	return s.gw.Send(ctx, gateway.OutboundMessage{ChannelID: s.channelID, Text: text})
}

func (s *channelSink) Typing(ctx context.Context) func() {
	return s.gw.Typing(ctx, s.channelID)
}

func transcriptMessages(turns []session.Turn) []completion.Message {
	out := make([]completion.Message, len(turns))
	for i, t := range turns {
		out[i] = completion.Message{Role: string(t.Role), Content: t.Text}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
