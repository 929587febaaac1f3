// Package resolution defines the ordered quality tiers served by the image origin.
package resolution

import (
	"errors"
	"fmt"
)

// ErrUnknownLevel is returned when a name does not match any Level.
var ErrUnknownLevel = errors.New("unknown resolution level")

// Level is one quality tier. Levels are totally ordered from Floor to Originals.
type Level int

// Supported levels, lowest first.
const (
	Level75x75RS Level = iota + 1
	Level170x
	Level236x
	Level474x
	Level564x
	Level736x
	LevelOriginals
)

// Floor is the lowest level the origin serves.
const Floor = Level75x75RS

var names = map[Level]string{
	Level75x75RS:   "75x75_RS",
	Level170x:      "170x",
	Level236x:      "236x",
	Level474x:      "474x",
	Level564x:      "564x",
	Level736x:      "736x",
	LevelOriginals: "originals",
}

var byName = func() map[string]Level {
	out := make(map[string]Level, len(names))
	for lvl, name := range names {
		out[name] = lvl
	}
	return out
}()

// Parse maps a URL path segment (or CLI value) to its Level.
func Parse(name string) (Level, error) {
	lvl, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
	return lvl, nil
}

// All returns every level in ascending order.
func All() []Level {
	return []Level{
		Level75x75RS,
		Level170x,
		Level236x,
		Level474x,
		Level564x,
		Level736x,
		LevelOriginals,
	}
}

// Valid reports whether l is one of the declared levels.
func (l Level) Valid() bool {
	_, ok := names[l]
	return ok
}

// String returns the path segment the origin uses for l.
func (l Level) String() string {
	if name, ok := names[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// IsFloor reports whether l is the lowest level.
func (l Level) IsFloor() bool {
	return l == Floor
}

// Pred returns the next lower level. ok is false at the floor.
func (l Level) Pred() (Level, bool) {
	if !l.Valid() || l.IsFloor() {
		return l, false
	}
	return l - 1, true
}
