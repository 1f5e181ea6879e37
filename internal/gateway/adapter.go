// Package gateway defines the chat-platform binding the session engine talks
// to: an inbound message feed plus the handful of channel operations a
// private session needs.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the target channel or message no longer
	// exists on the platform.
	ErrNotFound = errors.New("gateway: not found")
	// ErrForbidden is returned when the bot lacks permission for an operation.
	ErrForbidden = errors.New("gateway: forbidden")
)

// Gateway is the interface that platform-specific implementations must satisfy.
type Gateway interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the gateway is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan Message, error)

	// Send delivers a text message to a channel.
	Send(ctx context.Context, msg OutboundMessage) error

	// CreatePrivateChannel creates a text channel visible only to the member
	// and the bot, and returns its ID.
	CreatePrivateChannel(ctx context.Context, spec ChannelSpec) (string, error)

	// SetSlowmode sets the per-user message rate limit of a channel.
	SetSlowmode(ctx context.Context, channelID string, seconds int) error

	// DeleteChannel removes a channel.
	DeleteChannel(ctx context.Context, channelID string) error

	// DeleteMessage removes a single message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// SendDM sends a direct message to a user.
	SendDM(ctx context.Context, userID, text string) error

	// ReportToSystemChannel posts text to the guild's system channel, if the
	// guild has one.
	ReportToSystemChannel(ctx context.Context, guildID, text string) error

	// Typing shows the composing indicator in a channel until stop is called.
	Typing(ctx context.Context, channelID string) (stop func())

	// Close gracefully shuts down the connection.
	Close() error
}

// Message represents a message received from the chat platform.
type Message struct {
	ID            string
	ChannelID     string
	GuildID       string // empty for direct messages
	AuthorID      string
	AuthorName    string    // display name in the guild
	AuthorMention string    // platform mention markup for the author
	Text          string    // raw message text
	Bot           bool      // author is a bot account
	Timestamp     time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID   string
	Text        string
	DeleteAfter time.Duration // remove the message after this long; 0 keeps it
}

// ChannelSpec describes a private session channel.
type ChannelSpec struct {
	GuildID  string
	Name     string
	Topic    string
	Reason   string // audit log reason
	MemberID string // the only non-bot member allowed to see the channel
}

// BotUserIDer is an optional interface that gateways can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
