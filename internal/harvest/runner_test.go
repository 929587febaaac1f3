package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/imageurl"
	"github.com/JakeFAU/imgharvest/internal/progress"
	"github.com/JakeFAU/imgharvest/internal/resolution"
)

type memCatalog struct {
	mu     sync.Mutex
	bodies map[string][]byte
	meta   map[string]string
	err    error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{bodies: map[string][]byte{}, meta: map[string]string{}}
}

func (c *memCatalog) Has(_ context.Context, category, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.meta[category+"/"+key]
	return ok, nil
}

func (c *memCatalog) Count(_ context.Context, category string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	for k := range c.meta {
		if strings.HasPrefix(k, category+"/") {
			n++
		}
	}
	return n, nil
}

func (c *memCatalog) Save(_ context.Context, category, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies[category+"/"+key] = body
	return nil
}

func (c *memCatalog) SaveMeta(_ context.Context, category, key, url string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.meta[category+"/"+key]; ok {
		return false, nil
	}
	c.meta[category+"/"+key] = url
	return true, nil
}

func (c *memCatalog) Close() error { return nil }

type fakeLock struct {
	free       bool
	acquireErr error
	acquired   atomic.Int32
	refreshed  atomic.Int32
	released   atomic.Int32
}

func (l *fakeLock) TryAcquire(context.Context, time.Duration) (bool, error) {
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if !l.free {
		return false, nil
	}
	l.acquired.Add(1)
	return true, nil
}

func (l *fakeLock) Refresh(context.Context) error {
	l.refreshed.Add(1)
	return nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released.Add(1)
	return nil
}

type lockFactory struct{ lock *fakeLock }

func (f lockFactory) ForCategory(string) (crawler.Lock, error) { return f.lock, nil }

// scriptedSession serves its pending exchanges, answers injected image loads
// with valid bodies, and can fail on a scroll.
type scriptedSession struct {
	pending   []crawler.Exchange
	failAfter int
	navigate  func() error
	scrolls   int
	closed    bool
}

func (s *scriptedSession) Navigate(context.Context, string) error {
	if s.navigate != nil {
		return s.navigate()
	}
	return nil
}

func (s *scriptedSession) Evaluate(_ context.Context, js string, out any) error {
	switch {
	case strings.HasPrefix(js, "window.scrollTo"):
		s.scrolls++
		if s.failAfter > 0 && s.scrolls >= s.failAfter {
			return errors.New("browser crashed")
		}
	case js == "document.body.scrollHeight":
		*(out.(*int64)) = 1000
	default:
		payload := js[strings.LastIndex(js, ")(")+2 : len(js)-1]
		var urls []string
		if err := json.Unmarshal([]byte(payload), &urls); err != nil {
			return err
		}
		for _, u := range urls {
			s.pending = append(s.pending, okExchange(u))
		}
	}
	return nil
}

func (s *scriptedSession) Drain() []crawler.Exchange {
	out := s.pending
	s.pending = nil
	return out
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

type fakeLauncher struct {
	sessions []*scriptedSession
	err      error
	launched int
}

func (l *fakeLauncher) Launch(context.Context) (crawler.BrowserSession, error) {
	l.launched++
	if l.err != nil {
		return nil, l.err
	}
	if len(l.sessions) == 0 {
		return &scriptedSession{}, nil
	}
	s := l.sessions[0]
	l.sessions = l.sessions[1:]
	return s, nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses = append(r.pauses, d)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type fixedRetry struct{ max int }

func (p fixedRetry) ShouldRetry(err error, attempt int) bool { return err != nil && attempt < p.max }
func (p fixedRetry) Backoff(attempt int) time.Duration       { return time.Duration(attempt) * time.Second }

func okExchange(u string) crawler.Exchange {
	lvl, _ := imageurl.LevelOf(u)
	return crawler.Exchange{
		URL: u,
		Response: &crawler.ExchangeResponse{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"image/jpeg"}},
			Body:       []byte(lvl.String() + ":" + imageurl.Key(u)),
		},
	}
}

func okAt(level resolution.Level, key string) crawler.Exchange {
	return okExchange("https://i.pinimg.com/" + level.String() + "/ab/cd/" + key)
}

type fixture struct {
	catalog  *memCatalog
	lock     *fakeLock
	launcher *fakeLauncher
	sleeper  *recordingSleeper
	emitter  *recordingEmitter
}

func newFixture() *fixture {
	return &fixture{
		catalog:  newMemCatalog(),
		lock:     &fakeLock{free: true},
		launcher: &fakeLauncher{},
		sleeper:  &recordingSleeper{},
		emitter:  &recordingEmitter{},
	}
}

func (f *fixture) runner(t *testing.T, target int) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Target:    target,
		Level:     resolution.Level736x,
		IdleBound: 3,
	}, Deps{
		Catalog:  f.catalog,
		Locks:    lockFactory{lock: f.lock},
		Launcher: f.launcher,
		Retry:    fixedRetry{max: 2},
		Sleeper:  f.sleeper,
		Emitter:  f.emitter,
	})
	require.NoError(t, err)
	return r
}

var catA = category.Category{ID: "catA", Label: "red shoes"}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   int
		saved   int
		success bool
		want    crawler.Outcome
	}{
		{name: "target reached", total: 10, want: crawler.OutcomeDone},
		{name: "over target", total: 12, saved: 3, success: true, want: crawler.OutcomeDone},
		{name: "partial progress", total: 4, saved: 2, want: crawler.OutcomeUnfinished},
		{name: "success without artifacts", total: 0, success: true, want: crawler.OutcomeUnfinished},
		{name: "no progress", total: 0, want: crawler.OutcomeFail},
		{name: "no progress over earlier artifacts", total: 4, want: crawler.OutcomeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.total, tt.saved, 10, tt.success)
			assert.Equal(t, tt.want, got.Outcome)
			assert.Equal(t, tt.total, got.Count)
		})
	}
}

func TestRunSkipsWhenLockUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.lock.free = false
	report, err := f.runner(t, 10).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeSkipped}, report)
	assert.Zero(t, f.launcher.launched)
	assert.Zero(t, f.lock.released.Load())
	assert.Equal(t, []progress.Stage{progress.StageCategoryDone}, f.emitter.stages())
}

func TestRunDoneWithoutBrowserWhenCatalogFull(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.catalog.meta["catA/a.jpg"] = "u1"
	f.catalog.meta["catA/b.jpg"] = "u2"
	report, err := f.runner(t, 2).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeDone, Count: 2}, report)
	assert.Zero(t, f.launcher.launched)
	assert.Equal(t, int32(1), f.lock.released.Load())
}

func TestRunReportsUnfinishedAfterPartialEscalation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	sess := &scriptedSession{pending: []crawler.Exchange{
		okAt(resolution.Level236x, "a.jpg"),
		okAt(resolution.Level236x, "b.jpg"),
	}}
	f.launcher.sessions = []*scriptedSession{sess}

	report, err := f.runner(t, 3).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeUnfinished, Count: 2}, report)
	assert.Equal(t, []byte("736x:a.jpg"), f.catalog.bodies["catA/a.jpg"])
	assert.Equal(t, []byte("736x:b.jpg"), f.catalog.bodies["catA/b.jpg"])
	assert.Equal(t, 1, f.launcher.launched)
	assert.True(t, sess.closed)
	assert.Equal(t, int32(1), f.lock.released.Load())

	stages := f.emitter.stages()
	assert.Equal(t, progress.StageCategoryStart, stages[0])
	assert.Equal(t, progress.StageCategoryDone, stages[len(stages)-1])
	assert.Contains(t, stages, progress.StageArtifactSaved)
}

func TestRunRetriesCrashedBrowserKeepingProgress(t *testing.T) {
	t.Parallel()

	f := newFixture()
	crashing := &scriptedSession{
		pending:   []crawler.Exchange{okAt(resolution.Level736x, "a.jpg")},
		failAfter: 1,
	}
	recovering := &scriptedSession{pending: []crawler.Exchange{
		okAt(resolution.Level736x, "a.jpg"),
		okAt(resolution.Level736x, "b.jpg"),
	}}
	f.launcher.sessions = []*scriptedSession{crashing, recovering}

	report, err := f.runner(t, 2).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeDone, Count: 2}, report)
	assert.Equal(t, 2, f.launcher.launched)
	assert.True(t, crashing.closed)
	assert.Contains(t, f.sleeper.pauses, time.Second)
	assert.Contains(t, f.emitter.stages(), progress.StageBrowserCrash)
}

func TestRunFailsWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.launcher.err = errors.New("chrome not found")

	report, err := f.runner(t, 5).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeFail}, report)
	assert.Equal(t, 2, f.launcher.launched)
	assert.Equal(t, int32(1), f.lock.released.Load())

	crashes := 0
	for _, s := range f.emitter.stages() {
		if s == progress.StageBrowserCrash {
			crashes++
		}
	}
	assert.Equal(t, 2, crashes)
}

func TestRunFailsWhenAttemptsExhaustedOverEarlierArtifacts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.catalog.meta["catA/a.jpg"] = "u1"
	f.catalog.meta["catA/b.jpg"] = "u2"
	f.launcher.err = errors.New("rate limited")

	report, err := f.runner(t, 10).Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeFail, Count: 2}, report)
	assert.Equal(t, 2, f.launcher.launched)
}

func TestRunSurfacesBackendErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.lock.acquireErr = errors.New("redis down")
	report, err := f.runner(t, 5).Run(context.Background(), catA)
	require.ErrorContains(t, err, "redis down")
	assert.Equal(t, crawler.OutcomeFail, report.Outcome)

	f = newFixture()
	f.catalog.err = errors.New("db down")
	report, err = f.runner(t, 5).Run(context.Background(), catA)
	require.ErrorContains(t, err, "db down")
	assert.Equal(t, crawler.OutcomeFail, report.Outcome)
	assert.Equal(t, int32(1), f.lock.released.Load())
}

func TestRunRefreshesLockWhileCrawling(t *testing.T) {
	t.Parallel()

	f := newFixture()
	sess := &scriptedSession{navigate: func() error {
		deadline := time.Now().Add(2 * time.Second)
		for f.lock.refreshed.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}}
	f.launcher.sessions = []*scriptedSession{sess}

	r, err := NewRunner(Config{Target: 1, Level: resolution.Level736x, LockTTL: 30 * time.Millisecond, IdleBound: 1}, Deps{
		Catalog:  f.catalog,
		Locks:    lockFactory{lock: f.lock},
		Launcher: f.launcher,
		Retry:    fixedRetry{max: 1},
		Sleeper:  f.sleeper,
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), catA)
	require.NoError(t, err)
	assert.Positive(t, f.lock.refreshed.Load())
}

func TestNewRunnerValidates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	deps := Deps{Catalog: f.catalog, Locks: lockFactory{lock: f.lock}, Launcher: f.launcher}
	_, err := NewRunner(Config{Target: 0, Level: resolution.Level736x}, deps)
	require.Error(t, err)
	_, err = NewRunner(Config{Target: 1}, deps)
	require.Error(t, err)
	_, err = NewRunner(Config{Target: 1, Level: resolution.Level736x}, Deps{})
	require.Error(t, err)
}
