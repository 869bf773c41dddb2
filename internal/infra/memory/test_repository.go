package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"proctor-engine/internal/domain"
	"golang.org/x/sync/singleflight"
)

// TestLoader fetches test definitions from a backing store (e.g., Postgres).
type TestLoader interface {
	LoadTest(ctx context.Context, testID string) (domain.Test, error)
}

// negativeTTL bounds how long an unknown test id is remembered. A join storm
// against a mistyped id stays off the loader, but a freshly published test
// becomes joinable without a restart.
const negativeTTL = 30 * time.Second

// TestRepository caches definitions in process memory for the relay join
// path, whose access pattern is bursty: a whole class resolves the same test
// id within a few seconds when the session opens, then the id goes quiet.
// Found and not-found results are both cached (not-found only briefly), and
// concurrent first lookups collapse into a single loader call.
type TestRepository struct {
	loader TestLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	test      domain.Test
	missing   bool
	expiresAt time.Time
}

func NewTestRepository(loader TestLoader, ttl time.Duration) *TestRepository {
	return &TestRepository{
		loader:  loader,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]entry),
	}
}

func (r *TestRepository) GetTest(ctx context.Context, testID string) (domain.Test, error) {
	if e, ok := r.lookup(testID); ok {
		return resolve(e)
	}

	result, err, _ := r.sf.Do(testID, func() (interface{}, error) {
		if e, ok := r.lookup(testID); ok {
			return resolve(e)
		}

		test, err := r.loader.LoadTest(ctx, testID)
		if errors.Is(err, domain.ErrTestNotFound) {
			r.put(testID, entry{missing: true, expiresAt: r.clock().Add(negativeTTL)})
			return domain.Test{}, err
		}
		if err != nil {
			// Loader outages are not cached; the next join retries.
			return domain.Test{}, err
		}
		r.put(testID, entry{test: test, expiresAt: r.clock().Add(r.ttl)})
		return test, nil
	})
	if err != nil {
		return domain.Test{}, err
	}
	return result.(domain.Test), nil
}

// lookup returns the live cache entry for testID, evicting it lazily if it
// has expired. There is no background sweeper; the working set is the handful
// of tests currently running.
func (r *TestRepository) lookup(testID string) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[testID]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.After(r.clock()) {
		delete(r.entries, testID)
		return entry{}, false
	}
	return e, true
}

func (r *TestRepository) put(testID string, e entry) {
	r.mu.Lock()
	r.entries[testID] = e
	r.mu.Unlock()
}

func resolve(e entry) (domain.Test, error) {
	if e.missing {
		return domain.Test{}, domain.ErrTestNotFound
	}
	return e.test, nil
}

// StaticTestLoader is a loader backed by a fixed map (useful for tests/demos).
type StaticTestLoader struct {
	tests map[string]domain.Test
}

func NewStaticTestLoader(tests map[string]domain.Test) *StaticTestLoader {
	return &StaticTestLoader{tests: tests}
}

func (l *StaticTestLoader) LoadTest(_ context.Context, testID string) (domain.Test, error) {
	if test, ok := l.tests[testID]; ok {
		return test, nil
	}
	return domain.Test{}, domain.ErrTestNotFound
}
