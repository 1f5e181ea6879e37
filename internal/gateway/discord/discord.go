// Package discord implements the gateway.Gateway interface for Discord using
// the Gateway WebSocket and REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"

	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/logging"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// typingInterval re-sends the typing indicator before Discord expires it
	// (about 10s).
	typingInterval = 8 * time.Second
	// inboundBuffer is the capacity of the inbound message channel.
	inboundBuffer = 100
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Guild(guildID string) (*discordgo.Guild, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Guild prefers the state cache and falls back to the REST API.
func (r *realSession) Guild(guildID string) (*discordgo.Guild, error) {
	if g, err := r.s.State.Guild(guildID); err == nil {
		return g, nil
	}
	return r.s.Guild(guildID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.GuildChannelCreateComplex(guildID, data, options...)
}
func (r *realSession) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelEdit(channelID, data, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}

// Adapter implements gateway.Gateway for Discord.
type Adapter struct {
	sess     session
	botToken string
	logger   *slog.Logger

	mu            sync.Mutex
	botUserID     string
	connected     bool
	closed        bool
	removeHandler func()

	// inboundMu is read-held while a handler delivers to inbound so Close
	// can wait for in-flight deliveries before closing the channel.
	inboundMu sync.RWMutex
	inbound   chan gateway.Message
	done      chan struct{}

	baseBackoff    time.Duration
	maxBackoff     time.Duration
	typingInterval time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	Logger   *slog.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:           opts.Session,
		botToken:       opts.BotToken,
		logger:         logging.Component(opts.Logger, "discord"),
		inbound:        make(chan gateway.Message, inboundBuffer),
		done:           make(chan struct{}),
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
		typingInterval: typingInterval,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.logger.Info("connected", "user", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.logger.Warn("gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.logger.Info("gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan gateway.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.removeHandler == nil {
		a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		})
	}
	return a.inbound, nil
}

// Send posts a plain text message. If DeleteAfter is set the message is
// removed in the background once it elapses.
func (a *Adapter) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.sess.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
			Content:         msg.Text,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}},
		})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", mapError(err))
	}

	if msg.DeleteAfter > 0 && sent != nil {
		channelID, messageID := msg.ChannelID, sent.ID
		time.AfterFunc(msg.DeleteAfter, func() {
			if err := a.sess.ChannelMessageDelete(channelID, messageID); err != nil {
				a.logger.Debug("auto-delete message", "channel", channelID, "message", messageID, "err", tint.Err(err))
			}
		})
	}
	return nil
}

// CreatePrivateChannel creates a text channel hidden from @everyone and
// visible to the member and the bot.
func (a *Adapter) CreatePrivateChannel(ctx context.Context, spec gateway.ChannelSpec) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	if spec.GuildID == "" {
		return "", fmt.Errorf("discord: guild is required")
	}

	data := discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                spec.Topic,
		PermissionOverwrites: privateOverwrites(spec.GuildID, spec.MemberID, a.BotUserID()),
	}

	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.GuildChannelCreateComplex(spec.GuildID, data, auditReason(spec.Reason)...)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel: %w", mapError(err))
	}
	return ch.ID, nil
}

// privateOverwrites denies the @everyone role (whose ID equals the guild ID)
// and allows the member and the bot to read and write.
func privateOverwrites(guildID, memberID, botID string) []*discordgo.PermissionOverwrite {
	const allow = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory
	out := []*discordgo.PermissionOverwrite{{
		ID:   guildID,
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}}
	if memberID != "" {
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    memberID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: allow,
		})
	}
	if botID != "" {
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    botID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: allow | discordgo.PermissionManageChannels | discordgo.PermissionManageMessages,
		})
	}
	return out
}

// SetSlowmode sets the channel's per-user rate limit in seconds.
func (a *Adapter) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelEdit(channelID, &discordgo.ChannelEdit{RateLimitPerUser: &seconds})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: set slowmode: %w", mapError(err))
	}
	return nil
}

// DeleteChannel removes a channel. A channel that no longer exists yields
// an error wrapping gateway.ErrNotFound.
func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelDelete(channelID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: delete channel: %w", mapError(err))
	}
	return nil
}

// DeleteMessage removes a single message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", mapError(err))
	}
	return nil
}

// SendDM opens (or reuses) the DM channel with a user and posts text to it.
func (a *Adapter) SendDM(ctx context.Context, userID, text string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	var dm *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		dm, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: open dm: %w", mapError(err))
	}
	return a.Send(ctx, gateway.OutboundMessage{ChannelID: dm.ID, Text: text})
}

// ReportToSystemChannel posts text to the guild's system channel. Guilds
// without one are skipped silently.
func (a *Adapter) ReportToSystemChannel(ctx context.Context, guildID, text string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	g, err := a.sess.Guild(guildID)
	if err != nil {
		return fmt.Errorf("discord: lookup guild: %w", mapError(err))
	}
	if g.SystemChannelID == "" {
		a.logger.Warn("guild has no system channel", "guild", guildID)
		return nil
	}
	return a.Send(ctx, gateway.OutboundMessage{ChannelID: g.SystemChannelID, Text: text})
}

// Typing triggers the typing indicator now and keeps refreshing it until
// stop is called or ctx is done.
func (a *Adapter) Typing(ctx context.Context, channelID string) func() {
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }
	if a.requireConnected() != nil {
		return stop
	}

	if err := a.sess.ChannelTyping(channelID); err != nil {
		a.logger.Debug("typing indicator", "channel", channelID, "err", tint.Err(err))
	}
	go func() {
		ticker := time.NewTicker(a.typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := a.sess.ChannelTyping(channelID); err != nil {
					a.logger.Debug("typing indicator", "channel", channelID, "err", tint.Err(err))
				}
			}
		}
	}()
	return stop
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	sess := a.sess
	a.mu.Unlock()

	close(a.done)
	a.inboundMu.Lock()
	close(a.inbound)
	a.inboundMu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// handleMessage converts a Discord message event to a gateway.Message.
// Bot messages, including our own, are dropped here.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	msg := gateway.Message{
		ID:            m.ID,
		ChannelID:     m.ChannelID,
		GuildID:       m.GuildID,
		AuthorID:      m.Author.ID,
		AuthorName:    displayName(m.Message),
		AuthorMention: m.Author.Mention(),
		Text:          m.Content,
		Bot:           m.Author.Bot,
		Timestamp:     ts,
	}

	a.inboundMu.RLock()
	defer a.inboundMu.RUnlock()
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case <-a.done:
	case a.inbound <- msg:
	}
}

// displayName returns the member's guild nickname, falling back to the
// global display name and then the username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func auditReason(reason string) []discordgo.RequestOption {
	if reason == "" {
		return nil
	}
	return []discordgo.RequestOption{discordgo.WithAuditLogReason(reason)}
}

// mapError translates Discord REST failures into gateway sentinels.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return err
	}
	switch restErr.Response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", gateway.ErrNotFound, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", gateway.ErrForbidden, err)
	}
	return err
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.logger.Warn("rate limited, retrying", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
