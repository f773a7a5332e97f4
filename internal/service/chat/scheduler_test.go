package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"valet/internal/domain"
	chatModels "valet/internal/domain/models/chat"
)

type schedulerFixture struct {
	scheduler *Scheduler
	display   *fakeDisplay
	sessions  *SessionStore
	usage     *UsageTracker
	sessRepo  *memSessionRepo
	usageRepo *memUsageRepo
}

func newSchedulerFixture(t *testing.T, runner *scriptedRunner) *schedulerFixture {
	t.Helper()

	sessRepo := newMemSessionRepo()
	usageRepo := newMemUsageRepo()
	sessions := newSessionStore(t, sessRepo)
	usage := newUsageTracker(t, usageRepo)
	display := newFakeDisplay()
	limits := testLimits()
	logger := testLogger()
	compactor := NewCompactor(sessions, &fakeSummarizer{summary: "SUMMARY"}, limits, logger)

	return &schedulerFixture{
		scheduler: NewScheduler(runner, display, sessions, usage, compactor, limits, logger),
		display:   display,
		sessions:  sessions,
		usage:     usage,
		sessRepo:  sessRepo,
		usageRepo: usageRepo,
	}
}

func TestTurnCommitsHistoryAndCharges(t *testing.T) {
	runner := &scriptedRunner{script: runScript{
		events: []chatModels.Event{
			chatModels.ToolUseEvent{Tool: "getTime"},
			chatModels.ObservationEvent{Result: "12:00"},
			chatModels.FinalEvent{Content: "It is 12:00"},
		},
	}}
	f := newSchedulerFixture(t, runner)
	ctx := context.Background()

	if err := f.scheduler.Submit(ctx, "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.scheduler.Wait("conv")

	got := f.sessions.Snapshot("conv")
	want := chatModels.History{
		{Role: chatModels.RoleUser, Content: "hi"},
		{Role: chatModels.RoleAssistant, Content: "It is 12:00"},
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("committed history = %+v, want %+v", got, want)
	}

	// len("hi")/4 + len("It is 12:00")/4 + overhead
	wantUnits := 0 + 2 + 500
	if got := f.usage.Usage("conv"); got != wantUnits {
		t.Errorf("usage = %d, want %d", got, wantUnits)
	}

	// Both sides hit the repositories, not just the caches.
	if persisted := f.sessRepo.stored("conv"); len(persisted) != 2 {
		t.Errorf("persisted history = %d messages, want 2", len(persisted))
	}
	if f.usageRepo.units["conv"] != wantUnits {
		t.Errorf("persisted units = %d, want %d", f.usageRepo.units["conv"], wantUnits)
	}
}

func TestEmptyFinalCommitsNothing(t *testing.T) {
	runner := &scriptedRunner{script: runScript{
		events: []chatModels.Event{
			chatModels.ThinkingEvent{Content: "hmm"},
		},
	}}
	f := newSchedulerFixture(t, runner)

	if err := f.scheduler.Submit(context.Background(), "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.scheduler.Wait("conv")

	if got := f.sessions.Snapshot("conv"); len(got) != 0 {
		t.Errorf("history = %d messages, want none for a turn without final text", len(got))
	}
	if got := f.usage.Usage("conv"); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestPreemptionDiscardsSupersededTurn(t *testing.T) {
	runner := &scriptedRunner{byInput: map[string]runScript{
		"first":  {block: true},
		"second": {events: []chatModels.Event{chatModels.FinalEvent{Content: "second answer"}}},
	}}
	f := newSchedulerFixture(t, runner)
	ctx := context.Background()

	if err := f.scheduler.Submit(ctx, "conv", "first"); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if err := f.scheduler.Submit(ctx, "conv", "second"); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	f.scheduler.Wait("conv")

	if !f.display.waitForSent(stoppedMessage, 2*time.Second) {
		t.Error("preempted turn never published the stop notice")
	}

	got := f.sessions.Snapshot("conv")
	if len(got) != 2 {
		t.Fatalf("history = %d messages, want only the second turn's pair", len(got))
	}
	if got[0].Content != "second" || got[1].Content != "second answer" {
		t.Errorf("history = %+v, want the second turn only", got)
	}

	wantUnits := len("second")/4 + len("second answer")/4 + 500
	if gotUnits := f.usage.Usage("conv"); gotUnits != wantUnits {
		t.Errorf("usage = %d, want %d (second turn only)", gotUnits, wantUnits)
	}
}

func TestCancelStopsTurnWithoutSideEffects(t *testing.T) {
	runner := &scriptedRunner{script: runScript{block: true}}
	f := newSchedulerFixture(t, runner)

	if err := f.scheduler.Submit(context.Background(), "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !f.scheduler.Cancel("conv") {
		t.Fatal("Cancel reported no running turn")
	}
	f.scheduler.Wait("conv")

	if !f.display.waitForSent(stoppedMessage, 2*time.Second) {
		t.Error("cancelled turn never published the stop notice")
	}
	if got := f.sessions.Snapshot("conv"); len(got) != 0 {
		t.Errorf("history = %d messages, want none after cancellation", len(got))
	}
	if got := f.usage.Usage("conv"); got != 0 {
		t.Errorf("usage = %d, want 0 after cancellation", got)
	}

	if f.scheduler.Cancel("conv") {
		t.Error("Cancel reported a running turn after it finished")
	}
}

func TestAgentFailureIsRecordedInHistory(t *testing.T) {
	runner := &scriptedRunner{script: runScript{err: errors.New("boom")}}
	f := newSchedulerFixture(t, runner)

	if err := f.scheduler.Submit(context.Background(), "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.scheduler.Wait("conv")

	got := f.sessions.Snapshot("conv")
	if len(got) != 2 {
		t.Fatalf("history = %d messages, want user plus error record", len(got))
	}
	wantText := "Error in agent loop: boom"
	if got[1].Content != wantText {
		t.Errorf("assistant message = %q, want %q", got[1].Content, wantText)
	}
	if !f.display.hasSent(wantText) {
		t.Error("error text never published to the display")
	}

	// A failed turn still pays for what it consumed.
	wantUnits := f.usage.TurnCost("hi", wantText)
	if gotUnits := f.usage.Usage("conv"); gotUnits != wantUnits {
		t.Errorf("usage = %d, want %d", gotUnits, wantUnits)
	}
}

func TestQuotaRefusal(t *testing.T) {
	runner := &scriptedRunner{script: runScript{
		events: []chatModels.Event{chatModels.FinalEvent{Content: "ok"}},
	}}

	t.Run("over quota refuses", func(t *testing.T) {
		f := newSchedulerFixture(t, runner)
		if err := f.usage.Charge(context.Background(), "conv", 50001); err != nil {
			t.Fatalf("Charge: %v", err)
		}

		err := f.scheduler.Submit(context.Background(), "conv", "hi")
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Fatalf("Submit error = %v, want ErrQuotaExceeded", err)
		}
		if !f.display.hasSent(quotaMessage) {
			t.Error("quota notice never published")
		}
		if f.scheduler.Running("conv") {
			t.Error("a task is running despite refusal")
		}
		if got := f.sessions.Snapshot("conv"); len(got) != 0 {
			t.Errorf("history = %d messages, want none", len(got))
		}
	})

	t.Run("at quota still admits", func(t *testing.T) {
		f := newSchedulerFixture(t, runner)
		if err := f.usage.Charge(context.Background(), "conv", 50000); err != nil {
			t.Fatalf("Charge: %v", err)
		}

		if err := f.scheduler.Submit(context.Background(), "conv", "hi"); err != nil {
			t.Fatalf("Submit at the quota boundary: %v", err)
		}
		f.scheduler.Wait("conv")
	})
}

func TestLongFinalTextOverflows(t *testing.T) {
	finalText := strings.Repeat("x", 5000)
	runner := &scriptedRunner{script: runScript{
		events: []chatModels.Event{chatModels.FinalEvent{Content: finalText}},
	}}
	f := newSchedulerFixture(t, runner)

	if err := f.scheduler.Submit(context.Background(), "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.scheduler.Wait("conv")

	// Overflow restarts before the display cap so nothing the log block
	// displaced is lost. 5000 - 3500 = 1500 fits in one chunk.
	wantChunk := finalText[3500:]
	if !f.display.hasSent(wantChunk) {
		t.Error("overflow chunk never delivered")
	}

	got := f.sessions.Snapshot("conv")
	if len(got) != 2 || got[1].Content != finalText {
		t.Error("committed history does not hold the full final text")
	}
}

func TestSubmitCompactsBeforeTheTurn(t *testing.T) {
	runner := &scriptedRunner{script: runScript{
		events: []chatModels.Event{chatModels.FinalEvent{Content: "ok"}},
	}}
	f := newSchedulerFixture(t, runner)
	ctx := context.Background()

	if err := f.sessions.Commit(ctx, "conv", historyOfLength(20)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := f.scheduler.Submit(ctx, "conv", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.scheduler.Wait("conv")

	// Compacted snapshot (7) plus the new user/assistant pair.
	if got := f.sessions.Snapshot("conv"); len(got) != 9 {
		t.Errorf("history = %d messages, want 9", len(got))
	}
}
