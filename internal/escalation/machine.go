// Package escalation turns intercepted image exchanges into artifacts at the
// best reachable resolution. For every artifact first seen below the target
// resolution it requests the target variant, falls back one level at a time
// when a variant fails, and keeps the first valid lower-resolution body as a
// safety net that can be salvaged when nothing better arrives.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/imageurl"
	"github.com/JakeFAU/imgharvest/internal/resolution"
)

// State is the per-artifact position in the escalation lifecycle.
type State int

// Artifact states. Downloaded and Failed are terminal.
const (
	StateRejected State = iota + 1
	StatePending
	StateDownloaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRejected:
		return "rejected"
	case StatePending:
		return "pending"
	case StateDownloaded:
		return "downloaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Artifact is a body ready to persist.
type Artifact struct {
	Key   string
	URL   string
	Level resolution.Level
	Body  []byte
}

// Request asks the page to load URL, the Level variant of the artifact Key.
type Request struct {
	Key   string
	URL   string
	Level resolution.Level
}

// Result is what one Feed call produced.
type Result struct {
	Artifacts []Artifact
	Requests  []Request
}

// Empty reports whether the batch produced nothing new.
func (r Result) Empty() bool {
	return len(r.Artifacts) == 0 && len(r.Requests) == 0
}

type entry struct {
	state State
	url   string
	// first is the level observed when the key was first seen; it is the
	// level a Pending body holds.
	first resolution.Level
	body  []byte
}

type observation struct {
	key   string
	url   string
	level resolution.Level
	valid bool
	body  []byte
}

// Machine tracks artifact states for one category. It is not safe for
// concurrent use; a category crawl is sequential.
type Machine struct {
	category string
	target   resolution.Level
	known    crawler.KnownSet
	logger   *zap.Logger
	entries  map[string]*entry
}

// New builds a Machine that escalates toward target and discards artifacts
// the known set already holds.
func New(category string, target resolution.Level, known crawler.KnownSet, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		category: category,
		target:   target,
		known:    known,
		logger:   logger.Named("escalation").With(zap.String("category", category)),
		entries:  make(map[string]*entry),
	}
}

// Target returns the resolution the machine escalates toward.
func (m *Machine) Target() resolution.Level {
	return m.target
}

// Feed consumes a batch of exchanges in observation order. An exchange whose
// catalog check fails is skipped and stays untracked, so a later sighting is
// judged afresh; the rest of the batch is still processed. The Result always
// holds everything emitted, even when the error is non-nil.
func (m *Machine) Feed(ctx context.Context, exchanges []crawler.Exchange) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, ex := range exchanges {
		obs, ok := m.observe(ex)
		if !ok {
			continue
		}
		if e, tracked := m.entries[obs.key]; tracked {
			m.resight(obs, e, &res)
			continue
		}
		known, err := m.known.Has(ctx, m.category, obs.key)
		if err != nil {
			errs = append(errs, fmt.Errorf("check catalog for %s: %w", obs.key, err))
			continue
		}
		if known {
			continue
		}
		m.firstSight(obs, &res)
	}
	return res, errors.Join(errs...)
}

// Requeue returns artifacts that could not be persisted to Pending, holding
// their bodies, so that Salvage hands them out again.
func (m *Machine) Requeue(artifacts []Artifact) {
	for _, a := range artifacts {
		e, ok := m.entries[a.Key]
		if !ok {
			e = &entry{}
			m.entries[a.Key] = e
		}
		e.state = StatePending
		e.url = a.URL
		e.first = a.Level
		e.body = a.Body
	}
}

// Salvage promotes every Pending entry to Downloaded and returns its held
// body. Each entry is salvaged at most once.
func (m *Machine) Salvage() []Artifact {
	var out []Artifact
	for key, e := range m.entries {
		if e.state != StatePending {
			continue
		}
		out = append(out, m.promote(key, e))
	}
	return out
}

// StateOf returns the tracked state for key.
func (m *Machine) StateOf(key string) (State, bool) {
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Counts tallies tracked entries by state.
func (m *Machine) Counts() map[State]int {
	out := make(map[State]int, 4)
	for _, e := range m.entries {
		out[e.state]++
	}
	return out
}

func (m *Machine) observe(ex crawler.Exchange) (observation, bool) {
	if !imageurl.IsImageURL(ex.URL) {
		return observation{}, false
	}
	lvl, err := imageurl.LevelOf(ex.URL)
	if err != nil {
		m.logger.Debug("skipping image url", zap.String("url", ex.URL), zap.Error(err))
		return observation{}, false
	}
	obs := observation{
		key:   imageurl.Key(ex.URL),
		url:   ex.URL,
		level: lvl,
	}
	if resp := ex.Response; resp != nil &&
		resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		imageurl.ExtensionForContentType(ex.ContentType()) != "" &&
		len(resp.Body) > 0 {
		obs.valid = true
		obs.body = resp.Body
	}
	return obs, true
}

func (m *Machine) firstSight(obs observation, res *Result) {
	if obs.level < m.target {
		req, err := m.request(obs, m.target)
		if err != nil {
			m.logger.Warn("cannot escalate", zap.String("key", obs.key), zap.Error(err))
			return
		}
		e := &entry{state: StateRejected, url: obs.url, first: obs.level}
		if obs.valid {
			e.state = StatePending
			e.body = obs.body
		}
		m.entries[obs.key] = e
		res.Requests = append(res.Requests, req)
		return
	}
	if !obs.valid {
		m.logger.Debug("rejected at target", zap.String("url", obs.url))
		return
	}
	m.entries[obs.key] = &entry{state: StateDownloaded, url: obs.url, first: obs.level}
	res.Artifacts = append(res.Artifacts, Artifact{Key: obs.key, URL: obs.url, Level: obs.level, Body: obs.body})
}

func (m *Machine) resight(obs observation, e *entry, res *Result) {
	if e.state == StateDownloaded || e.state == StateFailed {
		return
	}
	// The page reloading its own variant is not an escalation response.
	if obs.level <= e.first {
		if obs.valid && e.state == StateRejected {
			e.state = StatePending
			e.url = obs.url
			e.body = obs.body
		}
		return
	}
	if obs.valid {
		e.state = StateDownloaded
		e.url = obs.url
		e.body = nil
		res.Artifacts = append(res.Artifacts, Artifact{Key: obs.key, URL: obs.url, Level: obs.level, Body: obs.body})
		return
	}
	if next, ok := obs.level.Pred(); ok && next > e.first {
		req, err := m.request(obs, next)
		if err == nil {
			res.Requests = append(res.Requests, req)
			return
		}
		m.logger.Warn("cannot step down", zap.String("key", obs.key), zap.Error(err))
	}
	if e.state == StatePending {
		res.Artifacts = append(res.Artifacts, m.promote(obs.key, e))
		return
	}
	m.logger.Debug("artifact unobtainable", zap.String("key", obs.key), zap.Stringer("last_level", obs.level))
	e.state = StateFailed
	e.body = nil
}

func (m *Machine) promote(key string, e *entry) Artifact {
	art := Artifact{Key: key, URL: e.url, Level: e.first, Body: e.body}
	e.state = StateDownloaded
	e.body = nil
	return art
}

func (m *Machine) request(obs observation, lvl resolution.Level) (Request, error) {
	u, err := imageurl.WithLevel(obs.url, lvl)
	if err != nil {
		return Request{}, fmt.Errorf("request %s at %s: %w", obs.key, lvl, err)
	}
	return Request{Key: obs.key, URL: u, Level: lvl}, nil
}
