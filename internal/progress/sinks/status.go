package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/imgharvest/internal/progress"
)

// CategoryStatus is the last known state of one category.
type CategoryStatus struct {
	Category  string    `json:"category"`
	Label     string    `json:"label,omitempty"`
	Running   bool      `json:"running"`
	Outcome   string    `json:"outcome,omitempty"`
	Count     int       `json:"count"`
	Target    int       `json:"target,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	RunID      string           `json:"run_id,omitempty"`
	Sweep      int              `json:"sweep"`
	CoolingOff bool             `json:"cooling_off"`
	Categories []CategoryStatus `json:"categories"`
}

// StatusBoard keeps per-category progress in memory for the status endpoint.
type StatusBoard struct {
	mu         sync.RWMutex
	runID      string
	sweep      int
	coolingOff bool
	categories map[string]*CategoryStatus
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{categories: make(map[string]*CategoryStatus)}
}

// Consume folds the batch into the board.
func (b *StatusBoard) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		b.apply(evt)
	}
	return nil
}

func (b *StatusBoard) apply(evt progress.Event) {
	if evt.RunID != [16]byte{} {
		b.runID = evt.RunUUID().String()
	}
	switch evt.Stage {
	case progress.StageSweepStart:
		b.sweep = evt.Sweep
		b.coolingOff = false
		return
	case progress.StageCoolDown:
		b.coolingOff = true
		return
	case progress.StageSweepDone:
		return
	}
	if evt.Category == "" {
		return
	}
	st, ok := b.categories[evt.Category]
	if !ok {
		st = &CategoryStatus{Category: evt.Category}
		b.categories[evt.Category] = st
	}
	if evt.Label != "" {
		st.Label = evt.Label
	}
	if evt.Target > 0 {
		st.Target = evt.Target
	}
	st.UpdatedAt = evt.TS
	switch evt.Stage {
	case progress.StageCategoryStart:
		st.Running = true
		st.Count = evt.Count
		b.coolingOff = false
	case progress.StageArtifactSaved:
		st.Count = evt.Count
	case progress.StageCategoryDone:
		st.Running = false
		st.Outcome = evt.Outcome
		st.Count = evt.Count
	}
}

// Snapshot returns a copy of the board sorted by category.
func (b *StatusBoard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Snapshot{
		RunID:      b.runID,
		Sweep:      b.sweep,
		CoolingOff: b.coolingOff,
		Categories: make([]CategoryStatus, 0, len(b.categories)),
	}
	for _, st := range b.categories {
		out.Categories = append(out.Categories, *st)
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		return out.Categories[i].Category < out.Categories[j].Category
	})
	return out
}

// Close implements the Sink interface; the board stays readable afterwards.
func (b *StatusBoard) Close(context.Context) error {
	return nil
}
