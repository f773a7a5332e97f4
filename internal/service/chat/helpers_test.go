package chat

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"valet/internal/config"
	chatModels "valet/internal/domain/models/chat"
	chatSvc "valet/internal/domain/services/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits() *config.Limits {
	return &config.Limits{
		QuotaUnits:           50000,
		TurnOverheadUnits:    500,
		CompactAfterMessages: 15,
		CompactAfterTokens:   4000,
		CompactKeepMessages:  6,
		RenderInterval:       config.Duration(2 * time.Second),
		RenderLogLines:       8,
		ObservationPreview:   50,
		DisplayLimit:         4000,
		OverflowStart:        3500,
		MaxMessageSize:       4096,
	}
}

// memSessionRepo is an in-memory SessionRepository.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]chatModels.History
	saveErr  error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]chatModels.History)}
}

func (r *memSessionRepo) LoadAll(ctx context.Context) (map[string]chatModels.History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]chatModels.History, len(r.sessions))
	for id, hist := range r.sessions {
		out[id] = hist.Clone()
	}
	return out, nil
}

func (r *memSessionRepo) Save(ctx context.Context, conversationID string, history chatModels.History) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.sessions[conversationID] = history.Clone()
	return nil
}

func (r *memSessionRepo) Clear(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
	return nil
}

func (r *memSessionRepo) stored(conversationID string) chatModels.History {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[conversationID].Clone()
}

// memUsageRepo is an in-memory UsageRepository.
type memUsageRepo struct {
	mu    sync.Mutex
	units map[string]int
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{units: make(map[string]int)}
}

func (r *memUsageRepo) LoadAll(ctx context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.units))
	for id, n := range r.units {
		out[id] = n
	}
	return out, nil
}

func (r *memUsageRepo) Save(ctx context.Context, conversationID string, units int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[conversationID] = units
	return nil
}

func (r *memUsageRepo) Delete(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, conversationID)
	return nil
}

type sendCall struct {
	conversationID string
	text           string
}

type editCall struct {
	id       chatSvc.MessageID
	text     string
	markdown bool
}

// fakeDisplay records publishes. editErr, when set, decides the Edit result.
type fakeDisplay struct {
	mu      sync.Mutex
	nextID  int
	sends   []sendCall
	edits   []editCall
	editErr func(call editCall) error
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{}
}

func (d *fakeDisplay) SendNew(ctx context.Context, conversationID, text string) (chatSvc.MessageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.sends = append(d.sends, sendCall{conversationID: conversationID, text: text})
	return chatSvc.MessageID("msg-" + strconv.Itoa(d.nextID)), nil
}

func (d *fakeDisplay) Edit(ctx context.Context, id chatSvc.MessageID, text string, markdown bool) error {
	call := editCall{id: id, text: text, markdown: markdown}
	d.mu.Lock()
	errFn := d.editErr
	d.edits = append(d.edits, call)
	d.mu.Unlock()
	if errFn != nil {
		return errFn(call)
	}
	return nil
}

func (d *fakeDisplay) sentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sends))
	for i, c := range d.sends {
		out[i] = c.text
	}
	return out
}

func (d *fakeDisplay) editTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.edits))
	for i, c := range d.edits {
		out[i] = c.text
	}
	return out
}

func (d *fakeDisplay) lastEdit() (editCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.edits) == 0 {
		return editCall{}, false
	}
	return d.edits[len(d.edits)-1], true
}

func (d *fakeDisplay) hasSent(text string) bool {
	for _, sent := range d.sentTexts() {
		if sent == text {
			return true
		}
	}
	return false
}

// waitForSent polls until the display has published the given text.
func (d *fakeDisplay) waitForSent(text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.hasSent(text) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return d.hasSent(text)
}

// runScript describes one scripted agent run.
type runScript struct {
	events []chatModels.Event
	// block holds the stream open until the turn context is cancelled.
	block bool
	// err fails Run itself.
	err error
}

type scriptedStream struct {
	events chan chatModels.Event
	err    error
}

func (s *scriptedStream) Events() <-chan chatModels.Event { return s.events }
func (s *scriptedStream) Err() error                      { return s.err }

// scriptedRunner plays back a canned event sequence per run. Scripts are
// keyed by input so concurrent turns cannot swap scripts; inputs without an
// override use the default script.
type scriptedRunner struct {
	script  runScript
	byInput map[string]runScript
}

func (r *scriptedRunner) Run(ctx context.Context, input string, history chatModels.History, tc chatSvc.ToolContext) (chatSvc.AgentStream, error) {
	script := r.script
	if s, ok := r.byInput[input]; ok {
		script = s
	}

	if script.err != nil {
		return nil, script.err
	}

	stream := &scriptedStream{events: make(chan chatModels.Event)}
	go func() {
		defer close(stream.events)
		if script.block {
			<-ctx.Done()
			stream.err = ctx.Err()
			return
		}
		for _, ev := range script.events {
			select {
			case <-ctx.Done():
				stream.err = ctx.Err()
				return
			case stream.events <- ev:
			}
		}
	}()
	return stream, nil
}

// fakeSummarizer returns a fixed summary, or fails.
type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *fakeSummarizer) Summarize(ctx context.Context, history chatModels.History) (string, error) {
	s.calls++
	return s.summary, s.err
}

func newSessionStore(t interface{ Fatalf(string, ...interface{}) }, repo *memSessionRepo) *SessionStore {
	store, err := NewSessionStore(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return store
}

func newUsageTracker(t interface{ Fatalf(string, ...interface{}) }, repo *memUsageRepo) *UsageTracker {
	tracker, err := NewUsageTracker(context.Background(), repo, testLimits(), testLogger())
	if err != nil {
		t.Fatalf("NewUsageTracker: %v", err)
	}
	return tracker
}
