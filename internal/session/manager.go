package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"proctor-engine/internal/domain"
)

// AttemptStore is the single-slot durable store for the in-progress attempt.
// The Manager is its only writer.
type AttemptStore interface {
	Load(ctx context.Context) (domain.AttemptSnapshot, bool, error)
	Save(ctx context.Context, snapshot domain.AttemptSnapshot) error
	Clear(ctx context.Context) error
}

// SubmissionGateway delivers a finished attempt to the platform. The Manager
// guarantees at most one call per attempt; the gateway does not deduplicate.
type SubmissionGateway interface {
	SubmitAttempt(ctx context.Context, testID string, submission domain.Submission) error
}

// State is the attempt lifecycle phase.
type State int

const (
	Idle State = iota
	Active
	Submitting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Submitting:
		return "submitting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hooks are presentation-layer notifications. All fields are optional.
type Hooks struct {
	// OnWarning fires on foreground resume while violations have accrued,
	// before any threshold-forced submission navigates away.
	OnWarning func(violations int)
	// OnClosed fires after a successful submission cleared the attempt.
	OnClosed func(autoSubmitted bool)
}

const (
	// DefaultViolationThreshold is the backgrounding count that forces submission.
	DefaultViolationThreshold = 2
	// DefaultSubmitTimeout bounds the one-shot submission call.
	DefaultSubmitTimeout = 30 * time.Second
)

// Manager owns the lifecycle of one test attempt: answer buffering, deadline
// tracking, violation accounting, write-through persistence, restore after a
// kill, and the at-most-once terminal submission.
type Manager struct {
	store   AttemptStore
	gateway SubmissionGateway
	hooks   Hooks

	threshold     int
	submitTimeout time.Duration
	now           func() time.Time

	mu         sync.Mutex
	state      State
	submitting bool // latch: one in-flight or completed submission per attempt
	attempt    domain.AttemptSnapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithViolationThreshold overrides the forced-submission violation count.
func WithViolationThreshold(n int) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithSubmitTimeout overrides the submission call timeout.
func WithSubmitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.submitTimeout = d }
}

// WithClock is test-only for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHooks registers presentation-layer notifications.
func WithHooks(hooks Hooks) Option {
	return func(m *Manager) { m.hooks = hooks }
}

func NewManager(store AttemptStore, gateway SubmissionGateway, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		gateway:       gateway,
		threshold:     DefaultViolationThreshold,
		submitTimeout: DefaultSubmitTimeout,
		now:           time.Now,
		state:         Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a fresh attempt and persists its first snapshot, overwriting
// any previously persisted attempt for this device. Persistence failures are
// logged but do not block the attempt; in-memory state stays authoritative.
func (m *Manager) Start(ctx context.Context, testID string, durationMinutes int) error {
	return m.StartAt(ctx, testID, durationMinutes, m.now())
}

// StartAt begins an attempt with an externally supplied start time. Used for
// teacher-paced tests where the server started the attempt before this client
// attached, so already-elapsed time counts against the deadline.
func (m *Manager) StartAt(ctx context.Context, testID string, durationMinutes int, startedAt time.Time) error {
	m.mu.Lock()
	if m.state == Submitting {
		m.mu.Unlock()
		return domain.ErrAttemptInFlight
	}

	m.state = Active
	m.submitting = false
	m.attempt = domain.AttemptSnapshot{
		TestID:          testID,
		DurationMinutes: durationMinutes,
		StartedAt:       startedAt,
		Answers:         make(map[string]domain.AnswerPayload),
		ViolationCount:  0,
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		log.Printf("persist attempt on start: %v", err)
		return fmt.Errorf("persist attempt: %w", err)
	}
	return nil
}

// SubmitAnswer upserts one answer (last write per question id wins) and
// re-persists the full snapshot synchronously, so a kill right after the call
// never loses the answer. A persistence failure is returned for a non-blocking
// toast but the in-memory answer is kept either way.
func (m *Manager) SubmitAnswer(ctx context.Context, questionID string, answer domain.AnswerPayload) error {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return domain.ErrNoActiveAttempt
	}
	m.attempt.Answers[questionID] = answer
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		log.Printf("persist answer %s: %v", questionID, err)
		return fmt.Errorf("persist answer: %w", err)
	}
	return nil
}

// RecordViolation counts one foreground-to-background transition. It only
// increments and re-persists; the threshold consequence is evaluated on the
// next resume so the student sees the warning before being navigated away.
func (m *Manager) RecordViolation(ctx context.Context) int {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return 0
	}
	m.attempt.ViolationCount++
	count := m.attempt.ViolationCount
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		log.Printf("persist violation: %v", err)
	}
	log.Printf("violation recorded: test=%s count=%d", snapshot.TestID, count)
	return count
}

// ResumeCheck re-evaluates the deadline and the violation threshold from wall
// clock. It is invoked on every return to foreground (and once after restore),
// which is what enforces the deadline across process suspension: no timer runs
// while the process is suspended, but startedAt does not move.
func (m *Manager) ResumeCheck(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return nil
	}
	expired := !m.now().Before(m.attempt.Deadline())
	breached := m.attempt.ViolationCount >= m.threshold
	m.mu.Unlock()

	if expired || breached {
		return m.ForceSubmit(ctx, true)
	}
	return nil
}

// Restore loads a persisted attempt at process start. It reports whether an
// attempt was restored so the caller can route straight into the test screen.
// A missing or unreadable snapshot fails open to "nothing to restore".
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	snapshot, ok, err := m.store.Load(ctx)
	if err != nil {
		log.Printf("restore attempt: %v", err)
		// Unreadable snapshots must not wedge the device in a half-restored
		// attempt; drop the slot and start fresh.
		_ = m.store.Clear(ctx)
		return false, nil
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return false, nil
	}
	if snapshot.Answers == nil {
		snapshot.Answers = make(map[string]domain.AnswerPayload)
	}
	m.state = Active
	m.submitting = false
	m.attempt = snapshot
	m.mu.Unlock()

	log.Printf("restored attempt: test=%s answers=%d violations=%d",
		snapshot.TestID, len(snapshot.Answers), snapshot.ViolationCount)
	return true, m.ResumeCheck(ctx)
}

// ForceSubmit performs the terminal, at-most-once submission. The latch is
// taken before the network call so concurrent triggers (deadline tick,
// threshold, end-test push, a double tap) collapse into one gateway call. On
// failure the latch is released, the attempt stays active and persisted, and
// the error is surfaced for display so the student can retry.
func (m *Manager) ForceSubmit(ctx context.Context, autoSubmitted bool) error {
	m.mu.Lock()
	if m.state != Active || m.submitting {
		m.mu.Unlock()
		return nil
	}
	m.submitting = true
	m.state = Submitting
	testID := m.attempt.TestID
	submission := m.submissionLocked(autoSubmitted)
	m.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, m.submitTimeout)
	defer cancel()

	if err := m.gateway.SubmitAttempt(submitCtx, testID, submission); err != nil {
		m.mu.Lock()
		m.submitting = false
		m.state = Active
		m.mu.Unlock()
		log.Printf("submit attempt test=%s: %v", testID, err)
		return fmt.Errorf("submit attempt: %w", err)
	}

	m.mu.Lock()
	m.state = Closed
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		// The platform has accepted the attempt; a leftover slot is repaired
		// on the next start, which overwrites it.
		log.Printf("clear attempt slot after submit: %v", err)
	}

	m.mu.Lock()
	m.attempt = domain.AttemptSnapshot{}
	m.state = Idle
	m.mu.Unlock()

	log.Printf("attempt submitted: test=%s auto=%v timeTaken=%ds",
		testID, autoSubmitted, submission.TimeTaken)
	if m.hooks.OnClosed != nil {
		m.hooks.OnClosed(autoSubmitted)
	}
	return nil
}

// Reset abandons the attempt without submitting: memory and slot are cleared.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Submitting {
		m.mu.Unlock()
		return domain.ErrAttemptInFlight
	}
	m.state = Idle
	m.submitting = false
	m.attempt = domain.AttemptSnapshot{}
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear attempt slot: %w", err)
	}
	return nil
}

// Active reports whether an attempt is currently running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Active
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ViolationCount returns the violations accrued by the running attempt.
func (m *Manager) ViolationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt.ViolationCount
}

// Answers returns a copy of the buffered answers.
func (m *Manager) Answers() map[string]domain.AnswerPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	answers := make(map[string]domain.AnswerPayload, len(m.attempt.Answers))
	for id, answer := range m.attempt.Answers {
		answers[id] = answer
	}
	return answers
}

// Remaining returns the time left before the deadline, floored at zero.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return 0
	}
	remaining := m.attempt.Deadline().Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Warn surfaces the violation warning hook; invoked by the monitor on
// foreground resume so the student sees it before any forced navigation.
func (m *Manager) Warn() {
	m.mu.Lock()
	count := m.attempt.ViolationCount
	active := m.state == Active
	m.mu.Unlock()

	if active && count > 0 && m.hooks.OnWarning != nil {
		m.hooks.OnWarning(count)
	}
}

func (m *Manager) snapshotLocked() domain.AttemptSnapshot {
	answers := make(map[string]domain.AnswerPayload, len(m.attempt.Answers))
	for id, answer := range m.attempt.Answers {
		answers[id] = answer
	}
	snapshot := m.attempt
	snapshot.Answers = answers
	return snapshot
}

func (m *Manager) submissionLocked(autoSubmitted bool) domain.Submission {
	answers := make([]domain.SubmittedAnswer, 0, len(m.attempt.Answers))
	for id, answer := range m.attempt.Answers {
		answers = append(answers, domain.SubmittedAnswer{
			QuestionID:     id,
			SelectedOption: answer.SelectedOption,
			TextAnswer:     answer.TextAnswer,
		})
	}
	sort.Slice(answers, func(i, j int) bool {
		return answers[i].QuestionID < answers[j].QuestionID
	})

	elapsed := m.now().Sub(m.attempt.StartedAt)
	return domain.Submission{
		Answers:       answers,
		TimeTaken:     int(elapsed / time.Second),
		AutoSubmitted: autoSubmitted,
	}
}
