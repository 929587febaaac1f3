package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSweepStart    Stage = "SWEEP_START"
	StageSweepDone     Stage = "SWEEP_DONE"
	StageCategoryStart Stage = "CATEGORY_START"
	StageCategoryDone  Stage = "CATEGORY_DONE"
	StageArtifactSaved Stage = "ARTIFACT_SAVED"
	StageBrowserCrash  Stage = "BROWSER_CRASH"
	StageCoolDown      Stage = "COOL_DOWN"
)

// Event captures a single component of harvest progress.
type Event struct {
	// RunID identifies one fleet run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Category is the category identifier; empty for fleet-wide stages.
	Category string
	// Label is the search label the category is crawled under.
	Label string
	// Key and URL describe a saved artifact.
	Key string
	URL string
	// Body carries the saved artifact bytes for sinks that digest them. It is
	// never logged.
	Body []byte
	// Count is the running artifact total for the category.
	Count int
	// Target is the artifact goal for the category.
	Target int
	// Outcome is the terminal classification for CATEGORY_DONE.
	Outcome string
	// Sweep numbers the fleet pass, starting at 1.
	Sweep int
	// Dur captures elapsed time for completions and cool-downs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSweepStart, StageSweepDone, StageCoolDown:
	case StageCategoryStart, StageBrowserCrash:
		if e.Category == "" {
			return fmt.Errorf("%s requires category", e.Stage)
		}
	case StageCategoryDone:
		if e.Category == "" {
			return errors.New("category done requires category")
		}
		if e.Outcome == "" {
			return errors.New("category done requires outcome")
		}
	case StageArtifactSaved:
		if e.Category == "" || e.Key == "" {
			return errors.New("artifact saved requires category and key")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
