package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/parlor/internal/completion"
	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/session"
)

// --- test doubles ---

type fakeCompleter struct {
	mu     sync.Mutex
	calls  [][]completion.Message
	chunks []string
	reply  string
	err    error
	panic  string

	started chan struct{} // closed when Stream is entered, if set
	release chan struct{} // Stream waits on this before returning, if set
}

func (f *fakeCompleter) Stream(ctx context.Context, msgs []completion.Message, sink completion.Sink) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]completion.Message(nil), msgs...))
	f.mu.Unlock()

	if f.panic != "" {
		panic(f.panic)
	}
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}

	stop := sink.Typing(ctx)
	defer stop()
	for _, c := range f.chunks {
		if err := sink.Send(ctx, c); err != nil {
			return "", fmt.Errorf("%w: %w", completion.ErrDelivery, err)
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingLedger struct {
	mu     sync.Mutex
	opened []string
	closed map[string]CloseReason
}

func (l *recordingLedger) Opened(_ context.Context, s session.Session, _ gateway.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, s.ID)
	return nil
}

func (l *recordingLedger) Closed(_ context.Context, s session.Session, r CloseReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed == nil {
		l.closed = make(map[string]CloseReason)
	}
	l.closed[s.ID] = r
	return nil
}

// --- fixtures ---

const (
	lobbyChannel = "LOBBY"
	freeChannel  = "FREE"
	guildID      = "G1"
)

var testPersonas = []persona.Persona{
	{ID: "lux", Name: "LUX", Trigger: "!lux", OriginChannelID: lobbyChannel, SlowmodeSec: 5, Label: "Standard", Prompt: "You are Lux."},
	{ID: "dominus", Name: "DOMINUS", Trigger: "!dominus", OriginChannelID: lobbyChannel, SlowmodeSec: 10, Label: "Discipline", Prompt: "You are Dominus."},
	{ID: "free-dominus", Name: "DOMINUS", Trigger: "!free-dominus", OriginChannelID: freeChannel, ChannelSuffix: "-free", Label: "Free", Prompt: "You are Dominus."},
}

type harness struct {
	c      *Controller
	gw     *gateway.MockGateway
	store  *session.Store
	comp   *fakeCompleter
	clock  *fakeClock
	ledger *recordingLedger
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := persona.NewRegistry(testPersonas)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := &harness{
		gw:     gateway.NewMockGateway(),
		store:  session.NewStore(),
		comp:   &fakeCompleter{reply: "ok"},
		clock:  &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		ledger: &recordingLedger{},
	}
	h.store.SetClock(h.clock.Now)
	c, err := NewController(ControllerOpts{
		Gateway:   h.gw,
		Personas:  reg,
		Store:     h.store,
		Completer: h.comp,
		Ledger:    h.ledger,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	var mu sync.Mutex
	c.sleep = func(_ context.Context, d time.Duration) {
		mu.Lock()
		h.sleeps = append(h.sleeps, d)
		mu.Unlock()
	}
	h.c = c
	return h
}

func inbound(userID, channelID, text string) gateway.Message {
	return gateway.Message{
		ID:            "M-" + userID,
		ChannelID:     channelID,
		GuildID:       guildID,
		AuthorID:      userID,
		AuthorName:    "Big Tony",
		AuthorMention: "<@" + userID + ">",
		Text:          text,
	}
}

// open runs a trigger for userID and returns the new session channel.
func (h *harness) open(t *testing.T, userID, trigger string) string {
	t.Helper()
	h.c.Handle(context.Background(), inbound(userID, lobbyChannel, trigger))
	s, ok := h.store.Lookup(userID)
	if !ok {
		t.Fatalf("no session for %s after %q", userID, trigger)
	}
	return s.ChannelID
}

// --- constructor ---

func TestNewController_RequiredFields(t *testing.T) {
	reg, _ := persona.NewRegistry(testPersonas)
	full := ControllerOpts{
		Gateway:   gateway.NewMockGateway(),
		Personas:  reg,
		Store:     session.NewStore(),
		Completer: &fakeCompleter{},
	}
	tests := []struct {
		name   string
		mutate func(*ControllerOpts)
		want   string
	}{
		{"gateway", func(o *ControllerOpts) { o.Gateway = nil }, "gateway is required"},
		{"personas", func(o *ControllerOpts) { o.Personas = nil }, "personas are required"},
		{"store", func(o *ControllerOpts) { o.Store = nil }, "store is required"},
		{"completer", func(o *ControllerOpts) { o.Completer = nil }, "completer is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			_, err := NewController(opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	c, err := NewController(full)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.closeCommand != DefaultCloseCommand || c.closeDelay != DefaultCloseDelay || c.thinkingTTL != DefaultThinkingTTL {
		t.Errorf("defaults = %q %v %v", c.closeCommand, c.closeDelay, c.thinkingTTL)
	}
}

// --- opening ---

func TestHandle_OpenSession(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")

	specs := h.gw.CreatedChannels()
	if len(specs) != 1 {
		t.Fatalf("created %d channels, want 1", len(specs))
	}
	spec := specs[0]
	if spec.GuildID != guildID || spec.MemberID != "U1" {
		t.Errorf("spec guild/member = %s/%s", spec.GuildID, spec.MemberID)
	}
	if spec.Name != "lux-big-tony" {
		t.Errorf("channel name = %q, want lux-big-tony", spec.Name)
	}
	if spec.Topic != "LUX session for Big Tony (Standard)" {
		t.Errorf("topic = %q", spec.Topic)
	}
	if s, ok := h.gw.Slowmode(ch); !ok || s != 5 {
		t.Errorf("slowmode = %d, %v; want 5", s, ok)
	}

	sess, _ := h.store.Lookup("U1")
	if sess.PersonaID != "lux" || sess.State != session.StateActive {
		t.Errorf("session = %+v", sess)
	}
	if len(sess.Transcript) != 1 || sess.Transcript[0].Role != session.RoleSystem || sess.Transcript[0].Text != "You are Lux." {
		t.Errorf("transcript = %+v, want system prompt only", sess.Transcript)
	}

	sent := h.gw.SentTo(ch)
	if len(sent) != 1 {
		t.Fatalf("sent %d messages to session channel, want welcome only", len(sent))
	}
	if !strings.HasPrefix(sent[0], "<@U1>") || !strings.Contains(sent[0], "LUX ACTIVE (Standard)") {
		t.Errorf("welcome = %q", sent[0])
	}
	if len(h.ledger.opened) != 1 || h.ledger.opened[0] != sess.ID {
		t.Errorf("ledger opened = %v, want [%s]", h.ledger.opened, sess.ID)
	}
}

func TestHandle_TriggerIsCaseInsensitivePrefix(t *testing.T) {
	for _, text := range []string{"!LUX hello", "!lux", "!Lux  "} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			h.c.Handle(context.Background(), inbound("U1", lobbyChannel, text))
			if h.store.Len() != 1 {
				t.Errorf("%q did not open a session", text)
			}
		})
	}
}

func TestHandle_LeadingWhitespaceIsNotATrigger(t *testing.T) {
	h := newHarness(t)
	h.c.Handle(context.Background(), inbound("U1", lobbyChannel, "  !lux"))
	if h.store.Len() != 0 {
		t.Error("indented trigger should not open a session")
	}
	if len(h.gw.CreatedChannels()) != 0 {
		t.Error("no channel should be created")
	}
}

func TestHandle_LongestTriggerWins(t *testing.T) {
	h := newHarness(t)
	h.c.Handle(context.Background(), inbound("U1", freeChannel, "!free-dominus"))

	sess, ok := h.store.Lookup("U1")
	if !ok || sess.PersonaID != "free-dominus" {
		t.Fatalf("session = %+v, %v; want free-dominus", sess, ok)
	}
	if name := h.gw.CreatedChannels()[0].Name; name != "dominus-big-tony-free" {
		t.Errorf("channel name = %q, want dominus-big-tony-free", name)
	}
	if _, ok := h.gw.Slowmode(sess.ChannelID); ok {
		t.Error("slowmode should not be set when slowmode_sec is 0")
	}
}

func TestHandle_WrongChannel(t *testing.T) {
	h := newHarness(t)
	h.c.Handle(context.Background(), inbound("U1", "GENERAL", "!dominus"))

	if got := h.gw.DeletedMessages(); len(got) != 1 || got[0] != "GENERAL/M-U1" {
		t.Errorf("deleted messages = %v, want [GENERAL/M-U1]", got)
	}
	dms := h.gw.DMs()
	if len(dms) != 1 {
		t.Fatalf("sent %d DMs, want 1", len(dms))
	}
	if dms[0].UserID != "U1" || dms[0].Text != "❌ `!dominus` must be used in <#LOBBY>" {
		t.Errorf("dm = %+v", dms[0])
	}
	if h.store.Len() != 0 || len(h.gw.CreatedChannels()) != 0 {
		t.Error("wrong-channel trigger must not create a session")
	}
}

func TestHandle_WrongChannelForbiddenIsSilent(t *testing.T) {
	h := newHarness(t)
	h.gw.DeleteMessageErr = gateway.ErrForbidden
	h.gw.DMErr = gateway.ErrForbidden

	h.c.Handle(context.Background(), inbound("U1", "GENERAL", "!lux"))

	if h.store.Len() != 0 {
		t.Error("no session expected")
	}
	if len(h.gw.AllSent()) != 0 {
		t.Errorf("unexpected messages: %+v", h.gw.AllSent())
	}
}

func TestHandle_DuplicateOpenWarns(t *testing.T) {
	h := newHarness(t)
	h.open(t, "U1", "!lux")
	h.c.Handle(context.Background(), inbound("U1", lobbyChannel, "!dominus"))

	if n := len(h.gw.CreatedChannels()); n != 1 {
		t.Errorf("created %d channels, want 1", n)
	}
	got := h.gw.SentTo(lobbyChannel)
	if len(got) != 1 || got[0] != "⚠️ You already have an active session" {
		t.Errorf("lobby messages = %v", got)
	}
	if s, _ := h.store.Lookup("U1"); s.PersonaID != "lux" {
		t.Errorf("persona = %q, want original lux", s.PersonaID)
	}
}

func TestHandle_ConcurrentOpensCreateOneSession(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.c.Handle(context.Background(), inbound("U1", lobbyChannel, "!lux"))
		}()
	}
	wg.Wait()

	if n := len(h.gw.CreatedChannels()); n != 1 {
		t.Errorf("created %d channels, want 1", n)
	}
	if h.store.Len() != 1 {
		t.Errorf("store has %d sessions, want 1", h.store.Len())
	}
	if n := len(h.gw.SentTo(lobbyChannel)); n != 19 {
		t.Errorf("sent %d duplicate warnings, want 19", n)
	}
}

func TestHandle_ChannelCreateFailure(t *testing.T) {
	h := newHarness(t)
	h.gw.CreateErr = errors.New("missing access")

	h.c.Handle(context.Background(), inbound("U1", lobbyChannel, "!lux"))

	reports := h.gw.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].GuildID != guildID || reports[0].Text != "❌ Failed to create channel: missing access" {
		t.Errorf("report = %+v", reports[0])
	}
	if h.store.Len() != 0 {
		t.Error("failed creation must not leave a session")
	}

	// The slot is released; a retry succeeds.
	h.gw.CreateErr = nil
	h.open(t, "U1", "!lux")
}

func TestHandle_SlowmodeFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.gw.SlowmodeErr = gateway.ErrForbidden
	ch := h.open(t, "U1", "!lux")
	if len(h.gw.SentTo(ch)) != 1 {
		t.Error("welcome should still be posted")
	}
}

// --- conversation ---

func TestHandle_ConversationTurn(t *testing.T) {
	h := newHarness(t)
	h.comp.chunks = []string{"Hi.", "How can I help?"}
	h.comp.reply = "Hi. How can I help?"
	ch := h.open(t, "U1", "!lux")

	h.c.Handle(context.Background(), inbound("U1", ch, "hello"))

	if h.comp.callCount() != 1 {
		t.Fatalf("completer called %d times, want 1", h.comp.callCount())
	}
	msgs := h.comp.calls[0]
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" || msgs[1].Content != "hello" {
		t.Errorf("request messages = %+v", msgs)
	}

	sess, _ := h.store.Lookup("U1")
	if len(sess.Transcript) != 3 {
		t.Fatalf("transcript len = %d, want 3", len(sess.Transcript))
	}
	if last := sess.Transcript[2]; last.Role != session.RoleAssistant || last.Text != "Hi. How can I help?" {
		t.Errorf("assistant turn = %+v", last)
	}

	sent := h.gw.SentTo(ch)
	want := []string{"LUX is thinking...", "Hi.", "How can I help?"}
	if len(sent) != 4 {
		t.Fatalf("sent = %v", sent)
	}
	for i, w := range want {
		if sent[i+1] != w {
			t.Errorf("sent[%d] = %q, want %q", i+1, sent[i+1], w)
		}
	}
	for _, m := range h.gw.AllSent() {
		if m.Text == "LUX is thinking..." && m.DeleteAfter != DefaultThinkingTTL {
			t.Errorf("thinking DeleteAfter = %v, want %v", m.DeleteAfter, DefaultThinkingTTL)
		}
	}
	if starts, stops := h.gw.TypingCounts(); starts != 1 || stops != 1 {
		t.Errorf("typing = %d/%d, want 1/1", starts, stops)
	}
}

func TestHandle_TranscriptAccumulates(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")

	h.comp.reply = "first"
	h.c.Handle(context.Background(), inbound("U1", ch, "one"))
	h.comp.reply = "second"
	h.c.Handle(context.Background(), inbound("U1", ch, "two"))

	if got := len(h.comp.calls[1]); got != 4 {
		t.Errorf("second request has %d messages, want 4", got)
	}
	sess, _ := h.store.Lookup("U1")
	if sess.Turns() != 4 {
		t.Errorf("turns = %d, want 4", sess.Turns())
	}
}

func TestHandle_UpstreamErrorKeepsUserTurn(t *testing.T) {
	h := newHarness(t)
	h.comp.err = &completion.UpstreamError{Cause: "Connection failed after 3 attempts: dial tcp: i/o timeout", Attempts: 3}
	ch := h.open(t, "U1", "!lux")

	h.c.Handle(context.Background(), inbound("U1", ch, "hello"))

	sess, ok := h.store.Lookup("U1")
	if !ok || sess.State != session.StateActive {
		t.Fatal("session should stay active after an upstream error")
	}
	if len(sess.Transcript) != 2 || sess.Transcript[1].Role != session.RoleUser {
		t.Errorf("transcript = %+v, want system + user", sess.Transcript)
	}
	sent := h.gw.SentTo(ch)
	want := "⚠️ API Error: Connection failed after 3 attempts: dial tcp: i/o timeout"
	if sent[len(sent)-1] != want {
		t.Errorf("last message = %q, want %q", sent[len(sent)-1], want)
	}
}

func TestHandle_UnexpectedErrorTruncated(t *testing.T) {
	h := newHarness(t)
	h.comp.err = errors.New(strings.Repeat("e", 600))
	ch := h.open(t, "U1", "!lux")

	h.c.Handle(context.Background(), inbound("U1", ch, "hello"))

	sent := h.gw.SentTo(ch)
	want := "⚠️ Unexpected error: " + strings.Repeat("e", 500)
	if sent[len(sent)-1] != want {
		t.Errorf("last message length = %d, want %d", len(sent[len(sent)-1]), len(want))
	}
	if s, _ := h.store.Lookup("U1"); len(s.Transcript) != 2 {
		t.Errorf("transcript len = %d, want 2", len(s.Transcript))
	}
}

func TestHandle_PanicIsReported(t *testing.T) {
	h := newHarness(t)
	h.comp.panic = "boom"
	ch := h.open(t, "U1", "!lux")

	h.c.Handle(context.Background(), inbound("U1", ch, "hello"))

	sent := h.gw.SentTo(ch)
	if last := sent[len(sent)-1]; last != "⚠️ Unexpected error: panic: boom" {
		t.Errorf("last message = %q", last)
	}

	// The turn lock was released by the panic.
	h.comp.panic = ""
	h.c.Handle(context.Background(), inbound("U1", ch, "again"))
	if h.comp.callCount() != 2 {
		t.Errorf("completer called %d times, want 2", h.comp.callCount())
	}
}

func TestHandle_IgnoresOtherUsersInSessionChannel(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")
	h.c.Handle(context.Background(), inbound("U2", ch, "let me in"))
	if h.comp.callCount() != 0 {
		t.Error("messages from non-owners must not reach the completer")
	}
}

func TestHandle_IgnoresBots(t *testing.T) {
	h := newHarness(t)
	msg := inbound("B1", lobbyChannel, "!lux")
	msg.Bot = true
	h.c.Handle(context.Background(), msg)

	if h.store.Len() != 0 {
		t.Error("bots must not open sessions")
	}
	if _, ok := h.store.LastActivity("B1"); ok {
		t.Error("bot activity must not be tracked")
	}
}

func TestHandle_TouchesEveryMessage(t *testing.T) {
	h := newHarness(t)
	h.c.Handle(context.Background(), inbound("U9", "GENERAL", "just chatting"))
	if _, ok := h.store.LastActivity("U9"); !ok {
		t.Error("activity should be recorded for messages outside sessions")
	}
}

func TestHandle_ReplyAfterCloseIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")
	h.comp.chunks = []string{"too late."}
	h.comp.reply = "too late."
	h.comp.started = make(chan struct{})
	h.comp.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.Handle(context.Background(), inbound("U1", ch, "hello"))
	}()

	<-h.comp.started
	if !h.c.Close(context.Background(), "U1", ReasonIdle) {
		t.Fatal("Close should succeed")
	}
	close(h.comp.release)
	<-done

	if h.store.Len() != 0 {
		t.Error("store should be empty")
	}
	for _, text := range h.gw.SentTo(ch) {
		if strings.HasPrefix(text, "⚠️") || text == "too late." {
			t.Errorf("unexpected message after close: %q", text)
		}
	}
}

func TestHandle_StaleTurnsStayOutOfReopenedSession(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")
	h.comp.chunks = []string{"too late."}
	h.comp.reply = "too late."
	h.comp.started = make(chan struct{})
	h.comp.release = make(chan struct{})

	first := make(chan struct{})
	go func() {
		defer close(first)
		h.c.Handle(context.Background(), inbound("U1", ch, "first"))
	}()
	<-h.comp.started

	// A second message queues behind the in-flight turn.
	h.clock.Advance(time.Second)
	second := make(chan struct{})
	go func() {
		defer close(second)
		h.c.Handle(context.Background(), inbound("U1", ch, "second"))
	}()
	waitFor(t, "second message", func() bool {
		last, _ := h.store.LastActivity("U1")
		return last.Equal(h.clock.Now())
	})
	time.Sleep(20 * time.Millisecond)

	if !h.c.Close(context.Background(), "U1", ReasonCommand) {
		t.Fatal("Close should succeed")
	}
	newCh := h.open(t, "U1", "!dominus")
	close(h.comp.release)
	<-first
	<-second

	sess, ok := h.store.Lookup("U1")
	if !ok {
		t.Fatal("reopened session should survive")
	}
	if sess.PersonaID != "dominus" || sess.ChannelID != newCh {
		t.Errorf("session = %s in %s, want dominus in %s", sess.PersonaID, sess.ChannelID, newCh)
	}
	want := []session.Turn{{Role: session.RoleSystem, Text: "You are Dominus."}}
	if len(sess.Transcript) != 1 || sess.Transcript[0] != want[0] {
		t.Errorf("transcript = %+v, want %+v", sess.Transcript, want)
	}
	if n := h.comp.callCount(); n != 1 {
		t.Errorf("completions = %d, want 1", n)
	}
	for _, text := range h.gw.SentTo(newCh) {
		if text == "too late." || strings.HasPrefix(text, "⚠️") {
			t.Errorf("stale output in new session: %q", text)
		}
	}
}

// --- closing ---

func TestClose_Command(t *testing.T) {
	h := newHarness(t)
	ch := h.open(t, "U1", "!lux")
	sess, _ := h.store.Lookup("U1")

	h.c.Handle(context.Background(), inbound("U1", ch, "!CLOSE"))

	sent := h.gw.SentTo(ch)
	if sent[len(sent)-1] != "🛑 Closing session..." {
		t.Errorf("last message = %q, want closing notice", sent[len(sent)-1])
	}
	if got := h.gw.DeletedChannels(); len(got) != 1 || got[0] != ch {
		t.Errorf("deleted = %v, want [%s]", got, ch)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != DefaultCloseDelay {
		t.Errorf("sleeps = %v, want [%v]", h.sleeps, DefaultCloseDelay)
	}
	if h.store.Len() != 0 {
		t.Error("session should be destroyed")
	}
	if _, ok := h.store.LastActivity("U1"); ok {
		t.Error("activity record should be destroyed")
	}
	if h.ledger.closed[sess.ID] != ReasonCommand {
		t.Errorf("ledger reason = %q, want command", h.ledger.closed[sess.ID])
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.open(t, "U1", "!lux")

	if !h.c.Close(context.Background(), "U1", ReasonCommand) {
		t.Fatal("first Close should report true")
	}
	if h.c.Close(context.Background(), "U1", ReasonCommand) {
		t.Error("second Close should report false")
	}
	if n := len(h.gw.DeletedChannels()); n != 1 {
		t.Errorf("deleted %d channels, want 1", n)
	}
	if h.store.Len() != 0 {
		t.Error("no session record should remain")
	}
}

func TestClose_ChannelAlreadyDeleted(t *testing.T) {
	h := newHarness(t)
	h.open(t, "U1", "!lux")
	h.gw.DeleteChannelErr = fmt.Errorf("discord: delete channel: %w", gateway.ErrNotFound)
	h.gw.SendErr = gateway.ErrNotFound

	if !h.c.Close(context.Background(), "U1", ReasonIdle) {
		t.Fatal("Close should report true")
	}
	if h.store.Len() != 0 {
		t.Error("records must be cleared even when the channel is gone")
	}
}

func TestClose_CommandOutsideSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t, "U1", "!lux")
	h.c.Handle(context.Background(), inbound("U1", lobbyChannel, "!close"))
	if h.store.Len() != 1 {
		t.Error("!close outside a session channel must not close anything")
	}
}

func TestClose_ThenReopen(t *testing.T) {
	h := newHarness(t)
	first := h.open(t, "U1", "!lux")
	h.c.Close(context.Background(), "U1", ReasonCommand)
	second := h.open(t, "U1", "!dominus")
	if first == second {
		t.Error("reopen should create a new channel")
	}
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t)
	h.open(t, "U1", "!lux")
	h.open(t, "U2", "!dominus")

	if n := h.c.CloseAll(context.Background(), ReasonShutdown); n != 2 {
		t.Errorf("CloseAll = %d, want 2", n)
	}
	if h.store.Len() != 0 {
		t.Error("store should be empty")
	}
}
