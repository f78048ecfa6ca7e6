package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chattered/internal/models"
)

type stubHandle struct {
	reply string
	err   error
	mu    sync.Mutex
	sent  []string
}

func (h *stubHandle) Send(ctx context.Context, text string) (string, error) {
	h.mu.Lock()
	h.sent = append(h.sent, text)
	h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	return h.reply, nil
}

type stubFactory struct {
	mu        sync.Mutex
	handles   []Handle
	err       error
	histories [][]models.Message
}

func (f *stubFactory) Initialize(ctx context.Context, history []models.Message) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.handles) == 0 {
		return nil, errors.New("no handles left")
	}
	h := f.handles[0]
	f.handles = f.handles[1:]
	return h, nil
}

func (f *stubFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

func newTestController(f SessionFactory, opts ...Option) *Controller {
	n := 0
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{
		WithClock(func() time.Time {
			n++
			return base.Add(time.Duration(n) * time.Second)
		}),
		WithIDGenerator(func() string {
			return fmt.Sprintf("msg-%d", n)
		}),
	}, opts...)
	return NewController(f, opts...)
}

func assertMessages(t *testing.T, got []models.Message, want ...models.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Text != want[i].Text {
			t.Fatalf("message %d: expected %s %q, got %s %q", i, want[i].Role, want[i].Text, got[i].Role, got[i].Text)
		}
	}
}

func user(text string) models.Message { return models.Message{Role: models.RoleUser, Text: text} }
func bot(text string) models.Message  { return models.Message{Role: models.RoleBot, Text: text} }

func TestEnsureSession_StartsUninitialized(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{reply: "hi"}}}
	c := newTestController(f)

	if c.State() != models.StateUninitialized {
		t.Fatalf("expected initial state %q, got %q", models.StateUninitialized, c.State())
	}
	if err := c.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession err: %v", err)
	}
	if c.State() != models.StateReady {
		t.Fatalf("expected state %q, got %q", models.StateReady, c.State())
	}
	if len(f.histories[0]) != 0 {
		t.Fatalf("expected empty seed history, got %d entries", len(f.histories[0]))
	}

	// A present handle is never rebuilt.
	if err := c.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession err: %v", err)
	}
	if f.calls() != 1 {
		t.Fatalf("expected 1 factory call, got %d", f.calls())
	}
}

func TestEnsureSession_FailureSetsError(t *testing.T) {
	f := &stubFactory{err: errors.New("bad config")}
	c := newTestController(f)

	err := c.EnsureSession(context.Background())
	if !errors.Is(err, ErrInitialize) {
		t.Fatalf("expected ErrInitialize, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Error != InitFailureMessage {
		t.Fatalf("expected error %q, got %q", InitFailureMessage, snap.Error)
	}
	if c.HasSession() {
		t.Fatal("handle should stay absent after init failure")
	}

	// Same conversation, same handle: no second attempt.
	c.EnsureSession(context.Background())
	if f.calls() != 1 {
		t.Fatalf("expected failed attempt not to repeat, got %d calls", f.calls())
	}
}

func TestSubmit_HealthySession(t *testing.T) {
	h := &stubHandle{reply: "Hi there!"}
	f := &stubFactory{handles: []Handle{h}}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	if !c.Submit(context.Background(), "Hello") {
		t.Fatal("expected submit to be accepted")
	}

	snap := c.Snapshot()
	assertMessages(t, snap.Messages, user("Hello"), bot("Hi there!"))
	if snap.Error != "" {
		t.Fatalf("expected no error, got %q", snap.Error)
	}
	if snap.Generating {
		t.Fatal("generating should be false after the reply")
	}
	if snap.State != models.StateReady {
		t.Fatalf("expected state %q, got %q", models.StateReady, snap.State)
	}
	if len(h.sent) != 1 || h.sent[0] != "Hello" {
		t.Fatalf("unexpected sends: %v", h.sent)
	}
	if !snap.Messages[0].Timestamp.Before(snap.Messages[1].Timestamp) {
		t.Fatal("expected bot timestamp after user timestamp")
	}
}

func TestSubmit_BlankInputIsIgnored(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{reply: "x"}}}
	var notified int
	c := newTestController(f, WithObserver(func(models.Snapshot) { notified++ }))
	c.EnsureSession(context.Background())
	before := c.Snapshot()
	notified = 0

	for _, in := range []string{"", "   ", "\t\n "} {
		if c.Submit(context.Background(), in) {
			t.Fatalf("expected %q to be ignored", in)
		}
	}

	after := c.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("expected no state change, version %d -> %d", before.Version, after.Version)
	}
	if len(after.Messages) != 0 || after.Error != "" || after.Generating {
		t.Fatalf("unexpected state after blank submit: %+v", after)
	}
	if notified != 0 {
		t.Fatalf("expected no notifications, got %d", notified)
	}
}

func TestSubmit_BlankInputKeepsExistingError(t *testing.T) {
	f := &stubFactory{err: errors.New("down")}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	c.Submit(context.Background(), "  ")
	if got := c.Snapshot().Error; got != InitFailureMessage {
		t.Fatalf("expected error to survive blank submit, got %q", got)
	}
}

func TestSubmit_SendFailureClearsHandle(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{err: errors.New("quota")}}}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	c.Submit(context.Background(), "Hi")

	snap := c.Snapshot()
	assertMessages(t, snap.Messages, user("Hi"))
	if snap.Error != SendFailureMessage {
		t.Fatalf("expected error %q, got %q", SendFailureMessage, snap.Error)
	}
	if c.HasSession() {
		t.Fatal("handle should be absent after send failure")
	}
	if snap.State != models.StateUninitialized {
		t.Fatalf("expected state %q, got %q", models.StateUninitialized, snap.State)
	}
	if snap.Generating {
		t.Fatal("generating should be false after failure")
	}
}

func TestSubmit_ReinitReplaysConversation(t *testing.T) {
	failing := &stubHandle{err: errors.New("network")}
	healthy := &stubHandle{reply: "Welcome back"}
	f := &stubFactory{handles: []Handle{failing, healthy}}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	c.Submit(context.Background(), "Hi")
	c.Submit(context.Background(), "Again")

	if f.calls() != 2 {
		t.Fatalf("expected 2 factory calls, got %d", f.calls())
	}
	assertMessages(t, f.histories[1], user("Hi"))

	snap := c.Snapshot()
	assertMessages(t, snap.Messages, user("Hi"), user("Again"), bot("Welcome back"))
	if snap.Error != "" {
		t.Fatalf("expected error cleared by the new submit, got %q", snap.Error)
	}
	if len(healthy.sent) != 1 || healthy.sent[0] != "Again" {
		t.Fatalf("unexpected sends on new session: %v", healthy.sent)
	}
}

func TestSubmit_SeedHistoryMatchesConversation(t *testing.T) {
	h1 := &stubHandle{reply: "one"}
	f := &stubFactory{handles: []Handle{h1}}
	c := newTestController(f)
	c.EnsureSession(context.Background())
	c.Submit(context.Background(), "first")
	c.Submit(context.Background(), "  second  ")

	// Break the session and rebuild it.
	h1.err = errors.New("boom")
	f.handles = append(f.handles, &stubHandle{reply: "two"})
	c.Submit(context.Background(), "third")
	c.EnsureSession(context.Background())

	want := c.Snapshot().Messages
	got := f.histories[len(f.histories)-1]
	if len(got) != len(want) {
		t.Fatalf("expected %d seed entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("seed entry %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if got[2].Text != "  second  " {
		t.Fatalf("expected raw untrimmed text in history, got %q", got[2].Text)
	}
}

func TestSubmit_NoSessionAppendsOnlyUserMessage(t *testing.T) {
	f := &stubFactory{err: errors.New("unavailable")}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	if !c.Submit(context.Background(), "anyone there?") {
		t.Fatal("expected submit to be accepted")
	}

	snap := c.Snapshot()
	assertMessages(t, snap.Messages, user("anyone there?"))
	if snap.Generating {
		t.Fatal("generating should be false")
	}
	if snap.Error != "" {
		t.Fatalf("expected the submit to clear the error, got %q", snap.Error)
	}
	if f.calls() != 1 {
		t.Fatalf("expected no extra attempt before the conversation changed, got %d", f.calls())
	}

	// The conversation changed, so the next check tries again with it.
	f.err = nil
	f.handles = []Handle{&stubHandle{reply: "yes"}}
	if err := c.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession err: %v", err)
	}
	assertMessages(t, f.histories[1], user("anyone there?"))
}

func TestBegin_InitFailureStillDispatches(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{err: errors.New("connection reset")}}}
	c := newTestController(f)
	if err := c.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession err: %v", err)
	}
	c.Submit(context.Background(), "first")
	if c.HasSession() {
		t.Fatal("expected the failed send to drop the session")
	}

	f.err = errors.New("quota exceeded")
	turn, ok := c.Begin(context.Background(), "second")
	if !ok {
		t.Fatal("expected the turn to be dispatched")
	}
	if !errors.Is(turn.InitErr(), ErrInitialize) {
		t.Fatalf("expected ErrInitialize, got %v", turn.InitErr())
	}

	snap := c.Snapshot()
	if snap.Error != InitFailureMessage {
		t.Fatalf("expected %q, got %q", InitFailureMessage, snap.Error)
	}
	if !snap.Generating {
		t.Fatal("expected generating while the turn is open")
	}
	assertMessages(t, snap.Messages, user("first"), user("second"))

	turn.Complete(context.Background())
	snap = c.Snapshot()
	if snap.Generating {
		t.Fatal("generating should be false")
	}
	if snap.Error != InitFailureMessage {
		t.Fatalf("expected the init failure to stay visible, got %q", snap.Error)
	}
	assertMessages(t, snap.Messages, user("first"), user("second"))
}

func TestBegin_HealthySessionHasNoInitErr(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{reply: "hi"}}}
	c := newTestController(f)

	turn, ok := c.Begin(context.Background(), "hello")
	if !ok {
		t.Fatal("expected the turn to be dispatched")
	}
	if err := turn.InitErr(); err != nil {
		t.Fatalf("expected no init error, got %v", err)
	}
	turn.Complete(context.Background())
	assertMessages(t, c.Snapshot().Messages, user("hello"), bot("hi"))
}

func TestSubmit_ClearsInputBuffer(t *testing.T) {
	f := &stubFactory{handles: []Handle{&stubHandle{reply: "ok"}}}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	c.SetInput("draft")
	if c.Input() != "draft" {
		t.Fatalf("expected input %q, got %q", "draft", c.Input())
	}

	turn, ok := c.BeginInput(context.Background())
	if !ok {
		t.Fatal("expected input to be dispatched")
	}
	if c.Input() != "" {
		t.Fatalf("expected input cleared on dispatch, got %q", c.Input())
	}
	if turn.Text() != "draft" {
		t.Fatalf("expected turn text %q, got %q", "draft", turn.Text())
	}
	turn.Complete(context.Background())
}

func TestTurn_GeneratingTogglesOncePerSubmit(t *testing.T) {
	for _, tc := range []struct {
		name   string
		handle *stubHandle
	}{
		{"success", &stubHandle{reply: "ok"}},
		{"failure", &stubHandle{err: errors.New("blocked")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			var flags []bool
			f := &stubFactory{handles: []Handle{tc.handle}}
			c := newTestController(f, WithObserver(func(s models.Snapshot) {
				mu.Lock()
				flags = append(flags, s.Generating)
				mu.Unlock()
			}))
			c.EnsureSession(context.Background())
			flags = nil

			turn, _ := c.Begin(context.Background(), "question")
			turn.Complete(context.Background())
			turn.Complete(context.Background())

			if len(flags) != 2 || !flags[0] || flags[1] {
				t.Fatalf("expected generating [true false], got %v", flags)
			}
		})
	}
}

func TestSubmit_AppendOnly(t *testing.T) {
	h := &stubHandle{reply: "r"}
	f := &stubFactory{handles: []Handle{h, &stubHandle{reply: "r2"}}}
	var snaps []models.Snapshot
	c := newTestController(f, WithObserver(func(s models.Snapshot) { snaps = append(snaps, s) }))
	c.EnsureSession(context.Background())

	c.Submit(context.Background(), "a")
	h.err = errors.New("fail")
	c.Submit(context.Background(), "b")
	c.Submit(context.Background(), " ")
	c.Submit(context.Background(), "c")

	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1].Messages, snaps[i].Messages
		if len(cur) < len(prev) {
			t.Fatalf("snapshot %d shrank from %d to %d messages", i, len(prev), len(cur))
		}
		for j := range prev {
			if prev[j] != cur[j] {
				t.Fatalf("snapshot %d changed message %d", i, j)
			}
		}
		if snaps[i].Version <= snaps[i-1].Version {
			t.Fatalf("snapshot versions not increasing: %d then %d", snaps[i-1].Version, snaps[i].Version)
		}
	}
}

// gatedHandle blocks each Send until its reply is released.
type gatedHandle struct {
	mu      sync.Mutex
	gates   map[string]chan string
	started chan string
}

func newGatedHandle() *gatedHandle {
	return &gatedHandle{gates: make(map[string]chan string), started: make(chan string, 4)}
}

func (g *gatedHandle) gate(text string) chan string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[text]
	if !ok {
		ch = make(chan string, 1)
		g.gates[text] = ch
	}
	return ch
}

func (g *gatedHandle) Send(ctx context.Context, text string) (string, error) {
	ch := g.gate(text)
	g.started <- text
	return <-ch, nil
}

func TestSubmit_OverlappingRepliesFollowArrivalOrder(t *testing.T) {
	g := newGatedHandle()
	f := &stubFactory{handles: []Handle{g}}
	c := newTestController(f)
	c.EnsureSession(context.Background())

	first, _ := c.Begin(context.Background(), "first")
	second, _ := c.Begin(context.Background(), "second")

	assertMessages(t, c.Snapshot().Messages, user("first"), user("second"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); first.Complete(context.Background()) }()
	go func() { defer wg.Done(); second.Complete(context.Background()) }()
	<-g.started
	<-g.started

	g.gate("second") <- "reply to second"
	waitFor(t, func() bool { return len(c.Snapshot().Messages) == 3 })
	g.gate("first") <- "reply to first"
	wg.Wait()

	snap := c.Snapshot()
	assertMessages(t, snap.Messages,
		user("first"), user("second"), bot("reply to second"), bot("reply to first"))
	if snap.Generating {
		t.Fatal("generating should be false once both replies arrived")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
