// Package conversation holds the chat state machine: the message list, the
// pending input, the generating flag, the error line and the handle to the
// external model session.
//
// Submissions are split in two halves. Begin performs the synchronous part
// (clear error, settle the session, mark generating, append the user message,
// clear the input) and returns a Turn; Turn.Complete performs the round-trip to
// the model and always clears the generating flag. Nothing serializes turns, so
// overlapping submissions may complete in any order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chattered/internal/models"
)

// User-visible error lines.
const (
	InitFailureMessage = "Failed to initialize."
	SendFailureMessage = "Failed to create message."
)

var ErrInitialize = errors.New("session initialization failed")

// Handle is a live model session.
type Handle interface {
	Send(ctx context.Context, text string) (string, error)
}

// SessionFactory creates model sessions seeded with prior messages.
// Initialize runs with the controller locked and must not call back into it.
type SessionFactory interface {
	Initialize(ctx context.Context, history []models.Message) (Handle, error)
}

// Observer receives a snapshot after every state change.
type Observer func(models.Snapshot)

type attemptKey struct {
	messages  int
	handleGen uint64
}

type Controller struct {
	mu      sync.Mutex
	factory SessionFactory

	messages   []models.Message
	input      string
	handle     Handle
	handleGen  uint64
	generating bool
	errMsg     string
	version    uint64

	// set when the last initialization failed; cleared on success
	failedAttempt *attemptKey

	observers []Observer
	now       func() time.Time
	newID     func() string
}

type Option func(*Controller)

// WithObserver registers fn to be called after every change.
func WithObserver(fn Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithIDGenerator overrides how message IDs are produced.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		c.newID = fn
	}
}

func NewController(factory SessionFactory, opts ...Option) *Controller {
	c := &Controller{
		factory: factory,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSession creates a session when none exists. A failed attempt is not
// repeated until the conversation or the handle changes.
func (c *Controller) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	changed, err := c.ensureLocked(ctx)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.notify(snap)
	}
	return err
}

func (c *Controller) ensureLocked(ctx context.Context) (bool, error) {
	if c.handle != nil {
		return false, nil
	}
	key := attemptKey{messages: len(c.messages), handleGen: c.handleGen}
	if c.failedAttempt != nil && *c.failedAttempt == key {
		return false, nil
	}

	history := make([]models.Message, len(c.messages))
	copy(history, c.messages)

	handle, err := c.factory.Initialize(ctx, history)
	if err != nil || handle == nil {
		c.failedAttempt = &key
		c.errMsg = InitFailureMessage
		c.version++
		if err == nil {
			err = errors.New("factory returned no session")
		}
		return true, fmt.Errorf("%w: %v", ErrInitialize, err)
	}

	c.failedAttempt = nil
	c.setHandleLocked(handle)
	return true, nil
}

func (c *Controller) setHandleLocked(h Handle) {
	c.handle = h
	c.handleGen++
	c.version++
}

// Turn is one dispatched submission awaiting its reply.
type Turn struct {
	c       *Controller
	text    string
	handle  Handle
	initErr error
	once    sync.Once
}

// Text returns the raw text that was submitted.
func (t *Turn) Text() string {
	return t.text
}

// InitErr reports why the session could not be started when the turn was
// dispatched. Such a turn completes without a reply.
func (t *Turn) InitErr() error {
	return t.initErr
}

// Begin dispatches raw. It returns false, and changes nothing, when raw is
// empty or whitespace. The returned Turn must be completed exactly once.
//
// A session that fails to start here does not stop the dispatch: the error
// line shows InitFailureMessage and the cause is kept in Turn.InitErr.
func (c *Controller) Begin(ctx context.Context, raw string) (*Turn, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}

	c.mu.Lock()
	c.errMsg = ""
	// A submission is a state change, so it gets the same chance to settle
	// the session that any other change does.
	_, initErr := c.ensureLocked(ctx)
	handle := c.handle

	c.generating = true
	c.messages = append(c.messages, models.Message{
		ID:        c.newID(),
		Role:      models.RoleUser,
		Text:      raw,
		Timestamp: c.now(),
	})
	c.input = ""
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return &Turn{c: c, text: raw, handle: handle, initErr: initErr}, true
}

// Complete sends the turn's text to the session captured at dispatch and
// records the outcome. Calls after the first are no-ops.
func (t *Turn) Complete(ctx context.Context) {
	t.once.Do(func() {
		t.c.complete(ctx, t)
	})
}

func (c *Controller) complete(ctx context.Context, t *Turn) {
	var (
		reply   string
		sendErr error
	)
	if t.handle != nil {
		reply, sendErr = t.handle.Send(ctx, t.text)
	}

	c.mu.Lock()
	switch {
	case t.handle == nil:
	case sendErr != nil:
		c.errMsg = SendFailureMessage
		c.handle = nil
		c.handleGen++
	default:
		c.messages = append(c.messages, models.Message{
			ID:        c.newID(),
			Role:      models.RoleBot,
			Text:      reply,
			Timestamp: c.now(),
		})
	}
	c.generating = false
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// Submit dispatches raw and waits for the reply.
func (c *Controller) Submit(ctx context.Context, raw string) bool {
	turn, ok := c.Begin(ctx, raw)
	if !ok {
		return false
	}
	turn.Complete(ctx)
	return true
}

// SetInput replaces the pending input buffer.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	if c.input == text {
		c.mu.Unlock()
		return
	}
	c.input = text
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// Input returns the pending input buffer.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// BeginInput dispatches whatever is in the input buffer.
func (c *Controller) BeginInput(ctx context.Context) (*Turn, bool) {
	return c.Begin(ctx, c.Input())
}

// State reports the state machine position.
func (c *Controller) State() models.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() models.ConversationState {
	switch {
	case c.handle == nil:
		return models.StateUninitialized
	case c.generating:
		return models.StateGenerating
	default:
		return models.StateReady
	}
}

// HasSession reports whether a live handle is held.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() models.Snapshot {
	msgs := make([]models.Message, len(c.messages))
	copy(msgs, c.messages)
	return models.Snapshot{
		Version:    c.version,
		State:      c.stateLocked(),
		Messages:   msgs,
		Input:      c.input,
		Generating: c.generating,
		Error:      c.errMsg,
	}
}

func (c *Controller) notify(snap models.Snapshot) {
	for _, fn := range c.observers {
		fn(snap)
	}
}
