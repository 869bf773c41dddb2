package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proctor-engine/internal/domain"
	"proctor-engine/internal/infra/memory"
	"proctor-engine/internal/session"
)

func TestStartPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAttemptStore()
	manager := session.NewManager(store, &recordingGateway{})

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	snapshot, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("expected persisted snapshot, ok=%v err=%v", ok, err)
	}
	if snapshot.TestID != "test-1" || snapshot.DurationMinutes != 10 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.ViolationCount != 0 || len(snapshot.Answers) != 0 {
		t.Fatalf("expected clean attempt, got %+v", snapshot)
	}
	if manager.State() != session.Active {
		t.Fatalf("expected active state, got %v", manager.State())
	}
}

func TestAnswerPersistenceSurvivesKill(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAttemptStore()
	manager := session.NewManager(store, &recordingGateway{})

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := manager.SubmitAnswer(ctx, "q1", domain.OptionAnswer(1)); err != nil {
		t.Fatalf("submit answer: %v", err)
	}

	// Simulated kill: a new manager over the same store.
	restored := session.NewManager(store, &recordingGateway{})
	ok, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !ok {
		t.Fatalf("expected attempt restored")
	}

	answers := restored.Answers()
	answer, ok := answers["q1"]
	if !ok || answer.SelectedOption == nil || *answer.SelectedOption != 1 {
		t.Fatalf("expected q1 answer survived, got %+v", answers)
	}
}

func TestLastWritePerQuestionWins(t *testing.T) {
	ctx := context.Background()
	manager := session.NewManager(memory.NewAttemptStore(), &recordingGateway{})

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = manager.SubmitAnswer(ctx, "q1", domain.OptionAnswer(0))
	_ = manager.SubmitAnswer(ctx, "q1", domain.OptionAnswer(2))

	answer := manager.Answers()["q1"]
	if answer.SelectedOption == nil || *answer.SelectedOption != 2 {
		t.Fatalf("expected last write to win, got %+v", answer)
	}
}

func TestAtMostOnceSubmission(t *testing.T) {
	ctx := context.Background()
	gw := &recordingGateway{block: make(chan struct{})}
	manager := session.NewManager(memory.NewAttemptStore(), gw)

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Fire concurrent triggers: explicit submit, deadline-style auto submit,
	// and a resume check, all while the first call is still in flight.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		auto := i%2 == 0
		go func() {
			defer wg.Done()
			_ = manager.ForceSubmit(ctx, auto)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = manager.ResumeCheck(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gw.block)
	wg.Wait()

	if got := gw.callCount(); got != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", got)
	}
	if manager.State() != session.Idle {
		t.Fatalf("expected idle after submission, got %v", manager.State())
	}
}

func TestDeadlineSurvivesSuspension(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	gw := &recordingGateway{}
	manager := session.NewManager(memory.NewAttemptStore(), gw, session.WithClock(clock.Now))

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Process suspended well past the deadline; no timer ran meanwhile.
	clock.Advance(10*time.Minute + 5*time.Second)

	if err := manager.ResumeCheck(ctx); err != nil {
		t.Fatalf("resume check: %v", err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected forced submission, calls=%d", gw.callCount())
	}
	if sub := gw.lastSubmission(); !sub.AutoSubmitted {
		t.Fatalf("expected autoSubmitted, got %+v", sub)
	}
}

func TestRestorePastDeadlineSubmitsImmediately(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := memory.NewAttemptStore()

	first := session.NewManager(store, &recordingGateway{}, session.WithClock(clock.Now))
	if err := first.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(11 * time.Minute)

	gw := &recordingGateway{}
	restored := session.NewManager(store, gw, session.WithClock(clock.Now))
	ok, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !ok {
		t.Fatalf("expected attempt restored before submission")
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected forced submission on restore, calls=%d", gw.callCount())
	}
	if _, occupied, _ := store.Load(ctx); occupied {
		t.Fatalf("expected storage slot cleared")
	}
}

func TestRestoreOfNothing(t *testing.T) {
	ctx := context.Background()
	gw := &recordingGateway{}
	manager := session.NewManager(memory.NewAttemptStore(), gw)

	ok, err := manager.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if ok {
		t.Fatalf("expected nothing to restore")
	}
	if manager.State() != session.Idle {
		t.Fatalf("expected idle, got %v", manager.State())
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected no gateway calls, got %d", gw.callCount())
	}
}

func TestThresholdSubmitsOnResumeNotOnIncrement(t *testing.T) {
	ctx := context.Background()
	gw := &recordingGateway{}
	manager := session.NewManager(memory.NewAttemptStore(), gw)

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Two backgrounding events before any foreground return: the count
	// reaches the threshold but no submission happens yet.
	if count := manager.RecordViolation(ctx); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	if count := manager.RecordViolation(ctx); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected no submission before resume, calls=%d", gw.callCount())
	}

	if err := manager.ResumeCheck(ctx); err != nil {
		t.Fatalf("resume check: %v", err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected threshold submission on resume, calls=%d", gw.callCount())
	}
	if sub := gw.lastSubmission(); !sub.AutoSubmitted {
		t.Fatalf("expected autoSubmitted, got %+v", sub)
	}
}

func TestSubmitFailureReleasesLatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAttemptStore()
	gw := &recordingGateway{err: errors.New("network down")}
	manager := session.NewManager(store, gw)

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = manager.SubmitAnswer(ctx, "q1", domain.TextAnswer("hello"))

	if err := manager.ForceSubmit(ctx, false); err == nil {
		t.Fatalf("expected submission error")
	}
	if manager.State() != session.Active {
		t.Fatalf("expected attempt still active, got %v", manager.State())
	}
	if _, occupied, _ := store.Load(ctx); !occupied {
		t.Fatalf("expected attempt still persisted after failure")
	}

	// Retry after the network heals.
	gw.setErr(nil)
	if err := manager.ForceSubmit(ctx, false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected two gateway calls, got %d", gw.callCount())
	}
	if _, occupied, _ := store.Load(ctx); occupied {
		t.Fatalf("expected slot cleared after success")
	}
}

func TestFullScenarioDeadlineAfterViolation(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)
	clock := newFakeClock(t0)
	store := memory.NewAttemptStore()
	gw := &recordingGateway{}

	var closedAuto []bool
	manager := session.NewManager(store, gw,
		session.WithClock(clock.Now),
		session.WithHooks(session.Hooks{
			OnClosed: func(auto bool) { closedAuto = append(closedAuto, auto) },
		}),
	)
	monitor := session.NewMonitor(manager)

	if err := manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(5 * time.Second)
	if err := manager.SubmitAnswer(ctx, "q1", domain.OptionAnswer(1)); err != nil {
		t.Fatalf("submit answer: %v", err)
	}

	clock.Advance(95 * time.Second) // t=100s
	monitor.HandleTransition(ctx, session.StateBackground)
	if manager.ViolationCount() != 1 {
		t.Fatalf("expected one violation, got %d", manager.ViolationCount())
	}

	clock.Advance(550 * time.Second) // t=650s, deadline was 600s
	monitor.HandleTransition(ctx, session.StateForeground)

	if gw.callCount() != 1 {
		t.Fatalf("expected one submission, got %d", gw.callCount())
	}
	sub := gw.lastSubmission()
	if !sub.AutoSubmitted {
		t.Fatalf("expected autoSubmitted, got %+v", sub)
	}
	if sub.TimeTaken != 650 {
		t.Fatalf("expected timeTaken 650, got %d", sub.TimeTaken)
	}
	if len(sub.Answers) != 1 || sub.Answers[0].QuestionID != "q1" ||
		sub.Answers[0].SelectedOption == nil || *sub.Answers[0].SelectedOption != 1 {
		t.Fatalf("unexpected answers %+v", sub.Answers)
	}
	if _, occupied, _ := store.Load(ctx); occupied {
		t.Fatalf("expected storage slot empty")
	}
	if len(closedAuto) != 1 || !closedAuto[0] {
		t.Fatalf("expected one auto close notification, got %v", closedAuto)
	}
}

func TestStartAtCountsServerElapsedTime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	gw := &recordingGateway{}
	manager := session.NewManager(memory.NewAttemptStore(), gw, session.WithClock(clock.Now))

	// Server started the attempt 9 minutes ago; only one minute remains.
	startedAt := clock.Now().Add(-9 * time.Minute)
	if err := manager.StartAt(ctx, "test-1", 10, startedAt); err != nil {
		t.Fatalf("start at: %v", err)
	}

	if remaining := manager.Remaining(); remaining > time.Minute {
		t.Fatalf("expected at most a minute remaining, got %v", remaining)
	}

	clock.Advance(2 * time.Minute)
	if err := manager.ResumeCheck(ctx); err != nil {
		t.Fatalf("resume check: %v", err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected deadline submission, calls=%d", gw.callCount())
	}
}

/* ---------- test doubles ---------- */

type recordingGateway struct {
	mu    sync.Mutex
	calls int
	last  domain.Submission
	err   error
	block chan struct{} // when set, calls wait here after being counted
}

func (g *recordingGateway) SubmitAttempt(_ context.Context, _ string, submission domain.Submission) error {
	g.mu.Lock()
	g.calls++
	g.last = submission
	err := g.err
	block := g.block
	g.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (g *recordingGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *recordingGateway) lastSubmission() domain.Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *recordingGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
