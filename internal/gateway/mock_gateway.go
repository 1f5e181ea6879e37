package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGateway implements Gateway for testing. It records every outbound
// operation and allows simulating inbound messages via SimulateInbound.
// Sends to a channel it has deleted fail with ErrNotFound.
type MockGateway struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Message
	botUserID string
	nextID    int

	sent            []OutboundMessage
	channels        []ChannelSpec
	channelIDs      map[string]ChannelSpec
	deletedChannels []string
	deletedMessages []string // "channelID/messageID"
	slowmodes       map[string]int
	dms             []DM
	reports         []Report
	typingStarts    int
	typingStops     int

	// Errors returned by the corresponding operation when set.
	SendErr          error
	CreateErr        error
	SlowmodeErr      error
	DeleteChannelErr error
	DeleteMessageErr error
	DMErr            error
	ReportErr        error
}

// DM is a recorded direct message.
type DM struct {
	UserID string
	Text   string
}

// Report is a recorded system-channel report.
type Report struct {
	GuildID string
	Text    string
}

// NewMockGateway creates a MockGateway with a buffered inbound channel.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		inbound:    make(chan Message, 100),
		channelIDs: make(map[string]ChannelSpec),
		slowmodes:  make(map[string]int),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockGateway) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockGateway) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the gateway as connected.
func (m *MockGateway) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock gateway: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockGateway) Listen(ctx context.Context) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock gateway: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockGateway) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	if m.isDeleted(msg.ChannelID) {
		return fmt.Errorf("mock gateway: send to %s: %w", msg.ChannelID, ErrNotFound)
	}
	m.sent = append(m.sent, msg)
	return nil
}

// CreatePrivateChannel records the channel spec and returns a sequential channel ID.
func (m *MockGateway) CreatePrivateChannel(ctx context.Context, spec ChannelSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.nextID++
	id := fmt.Sprintf("chan-%d", m.nextID)
	m.channels = append(m.channels, spec)
	m.channelIDs[id] = spec
	return id, nil
}

// SetSlowmode records the slowmode for a channel.
func (m *MockGateway) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SlowmodeErr != nil {
		return m.SlowmodeErr
	}
	m.slowmodes[channelID] = seconds
	return nil
}

// DeleteChannel records the deletion. Deleting an unknown or already
// deleted channel returns ErrNotFound.
func (m *MockGateway) DeleteChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteChannelErr != nil {
		return m.DeleteChannelErr
	}
	if _, ok := m.channelIDs[channelID]; !ok || m.isDeleted(channelID) {
		return fmt.Errorf("mock gateway: delete %s: %w", channelID, ErrNotFound)
	}
	m.deletedChannels = append(m.deletedChannels, channelID)
	return nil
}

// DeleteMessage records the deletion.
func (m *MockGateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteMessageErr != nil {
		return m.DeleteMessageErr
	}
	m.deletedMessages = append(m.deletedMessages, channelID+"/"+messageID)
	return nil
}

// SendDM records the direct message.
func (m *MockGateway) SendDM(ctx context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DMErr != nil {
		return m.DMErr
	}
	m.dms = append(m.dms, DM{UserID: userID, Text: text})
	return nil
}

// ReportToSystemChannel records the report.
func (m *MockGateway) ReportToSystemChannel(ctx context.Context, guildID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReportErr != nil {
		return m.ReportErr
	}
	m.reports = append(m.reports, Report{GuildID: guildID, Text: text})
	return nil
}

// Typing counts indicator starts and stops.
func (m *MockGateway) Typing(ctx context.Context, channelID string) func() {
	m.mu.Lock()
	m.typingStarts++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.typingStops++
			m.mu.Unlock()
		})
	}
}

// Close shuts down the mock gateway and closes the inbound channel.
func (m *MockGateway) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

func (m *MockGateway) isDeleted(channelID string) bool {
	for _, id := range m.deletedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockGateway) SimulateInbound(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockGateway) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the texts sent to a channel, in order.
func (m *MockGateway) SentTo(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			out = append(out, s.Text)
		}
	}
	return out
}

// CreatedChannels returns a copy of every channel spec passed to
// CreatePrivateChannel.
func (m *MockGateway) CreatedChannels() []ChannelSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelSpec, len(m.channels))
	copy(out, m.channels)
	return out
}

// DeletedChannels returns the IDs of deleted channels, in order.
func (m *MockGateway) DeletedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletedChannels...)
}

// DeletedMessages returns "channelID/messageID" for each deleted message.
func (m *MockGateway) DeletedMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletedMessages...)
}

// Slowmode returns the slowmode set on a channel and whether one was set.
func (m *MockGateway) Slowmode(channelID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slowmodes[channelID]
	return s, ok
}

// DMs returns a copy of all direct messages sent.
func (m *MockGateway) DMs() []DM {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DM(nil), m.dms...)
}

// Reports returns a copy of all system-channel reports.
func (m *MockGateway) Reports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Report(nil), m.reports...)
}

// TypingCounts returns how many indicators were started and stopped.
func (m *MockGateway) TypingCounts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typingStarts, m.typingStops
}
