package templates

import (
	"fmt"
	"time"
)

// Slot is one position in a template's clip sequence: either the map fly-in
// clip or a photo referenced by its listing order.
type Slot struct {
	Map   bool
	Photo int
}

func MapSlot() Slot      { return Slot{Map: true} }
func PhotoSlot(i int) Slot { return Slot{Photo: i} }

func (s Slot) String() string {
	if s.Map {
		return "map"
	}
	return fmt.Sprintf("photo_%d", s.Photo)
}

// Transition describes the crossfade between two adjacent clips. An empty
// Kind means a hard cut.
type Transition struct {
	Kind     string
	Duration float64 // seconds
}

// Music names a licensed background track by cache discriminator. The track
// itself lives in the blob store and is resolved through the asset cache at
// render time.
type Music struct {
	TrackID     string
	Volume      float64
	StartOffset float64
}

// ColorCorrection is an ffmpeg video filter fragment applied to the whole
// concatenated stream, e.g. "eq=saturation=1.2".
type ColorCorrection struct {
	FFmpegFilter string
}

// Definition is an immutable rendering plan. Sequence, Durations and
// Transitions are index-aligned: Durations[i] is the play length of
// Sequence[i], Transitions[i] joins Sequence[i] to Sequence[i+1].
type Definition struct {
	Key             string
	Sequence        []Slot
	Durations       []float64
	Transitions     []Transition
	Music           *Music
	ColorCorrection *ColorCorrection
	ReverseClips    []int // indexes into Sequence played back-to-front
	AccessLevel     string
	Timeout         time.Duration
	MaxRetries      int
}

// RequiresMap reports whether any slot references the map clip.
func (d Definition) RequiresMap() bool {
	for _, s := range d.Sequence {
		if s.Map {
			return true
		}
	}
	return false
}

// TotalDuration is the sum of per-slot durations.
func (d Definition) TotalDuration() float64 {
	var total float64
	for _, v := range d.Durations {
		total += v
	}
	return total
}

const (
	AccessLevelFree    = "free"
	AccessLevelPremium = "premium"
)

// Catalog is a read-only registry of template definitions.
type Catalog interface {
	Lookup(key string) (Definition, bool)
	All() []Definition
}

type catalog struct {
	byKey map[string]Definition
	order []string
}

func NewCatalog() Catalog {
	defs := builtinDefinitions()
	c := &catalog{byKey: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		c.byKey[d.Key] = d
		c.order = append(c.order, d.Key)
	}
	return c
}

func (c *catalog) Lookup(key string) (Definition, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

func (c *catalog) All() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.byKey[key])
	}
	return out
}

func xfade(d float64) Transition { return Transition{Kind: "fade", Duration: d} }
func cut() Transition            { return Transition{} }

func builtinDefinitions() []Definition {
	return []Definition{
		{
			Key: "crescendo",
			// Slot durations shrink toward the end; pacing accelerates.
			Sequence: []Slot{
				PhotoSlot(0), PhotoSlot(1), PhotoSlot(2), PhotoSlot(3),
				PhotoSlot(4), PhotoSlot(5), PhotoSlot(6), PhotoSlot(7),
			},
			Durations: []float64{4.0, 3.5, 3.0, 2.5, 2.0, 1.5, 1.2, 1.0},
			Transitions: []Transition{
				xfade(0.5), xfade(0.5), xfade(0.4), xfade(0.4),
				xfade(0.3), xfade(0.3), xfade(0.2),
			},
			Music:           &Music{TrackID: "crescendo_build", Volume: 0.8},
			ColorCorrection: &ColorCorrection{FFmpegFilter: "eq=contrast=1.05:saturation=1.1"},
			AccessLevel:     AccessLevelFree,
			Timeout:         5 * time.Minute,
			MaxRetries:      3,
		},
		{
			Key: "wave",
			// Alternates forward and reversed playback.
			Sequence: []Slot{
				PhotoSlot(0), PhotoSlot(1), PhotoSlot(2), PhotoSlot(3),
				PhotoSlot(4), PhotoSlot(5),
			},
			Durations: []float64{3.0, 3.0, 3.0, 3.0, 3.0, 3.0},
			Transitions: []Transition{
				xfade(0.6), xfade(0.6), xfade(0.6), xfade(0.6), xfade(0.6),
			},
			Music:        &Music{TrackID: "wave_ambient", Volume: 0.7},
			ReverseClips: []int{1, 3, 5},
			AccessLevel:  AccessLevelFree,
			Timeout:      5 * time.Minute,
			MaxRetries:   3,
		},
		{
			Key: "storyteller",
			Sequence: []Slot{
				PhotoSlot(0), PhotoSlot(1), PhotoSlot(2), PhotoSlot(3),
				PhotoSlot(4), PhotoSlot(5), PhotoSlot(6), PhotoSlot(7),
				PhotoSlot(8), PhotoSlot(9),
			},
			Durations: []float64{3.5, 3.0, 3.0, 3.0, 3.0, 3.0, 3.0, 3.0, 3.0, 3.5},
			Transitions: []Transition{
				xfade(0.8), xfade(0.8), xfade(0.8), xfade(0.8), xfade(0.8),
				xfade(0.8), xfade(0.8), xfade(0.8), xfade(0.8),
			},
			Music:           &Music{TrackID: "storyteller_piano", Volume: 0.75},
			ColorCorrection: &ColorCorrection{FFmpegFilter: "eq=brightness=0.02:saturation=1.05"},
			AccessLevel:     AccessLevelFree,
			Timeout:         6 * time.Minute,
			MaxRetries:      3,
		},
		{
			Key: "googlezoomintro",
			// Opens with the map fly-in, then tours the listing out of order
			// for variety. Photo indexes past the listing size wrap around.
			Sequence: []Slot{
				MapSlot(),
				PhotoSlot(0), PhotoSlot(8), PhotoSlot(15), PhotoSlot(3),
				PhotoSlot(11), PhotoSlot(6), PhotoSlot(14), PhotoSlot(1),
				PhotoSlot(9), PhotoSlot(4),
			},
			Durations: []float64{4.0, 2.5, 2.5, 2.5, 2.5, 2.5, 2.5, 2.5, 2.5, 2.5, 3.0},
			Transitions: []Transition{
				xfade(0.4), xfade(0.4), xfade(0.4), xfade(0.4), xfade(0.4),
				xfade(0.4), xfade(0.4), xfade(0.4), xfade(0.4), xfade(0.4),
			},
			Music:       &Music{TrackID: "zoom_intro_upbeat", Volume: 0.85},
			AccessLevel: AccessLevelPremium,
			Timeout:     7 * time.Minute,
			MaxRetries:  3,
		},
		{
			Key: "wesanderson",
			Sequence: []Slot{
				PhotoSlot(0), PhotoSlot(1), PhotoSlot(2), PhotoSlot(3),
				PhotoSlot(4), PhotoSlot(5), PhotoSlot(6),
			},
			Durations: []float64{3.0, 3.0, 3.0, 3.0, 3.0, 3.0, 3.0},
			Transitions: []Transition{
				cut(), cut(), cut(), cut(), cut(), cut(),
			},
			Music:           &Music{TrackID: "wesanderson_waltz", Volume: 0.8},
			ColorCorrection: &ColorCorrection{FFmpegFilter: "curves=preset=vintage,eq=saturation=1.25"},
			AccessLevel:     AccessLevelPremium,
			Timeout:         5 * time.Minute,
			MaxRetries:      3,
		},
		{
			Key: "hyperpop",
			Sequence: []Slot{
				PhotoSlot(0), PhotoSlot(2), PhotoSlot(4), PhotoSlot(1),
				PhotoSlot(3), PhotoSlot(5), PhotoSlot(7), PhotoSlot(6),
				PhotoSlot(8), PhotoSlot(9), PhotoSlot(10), PhotoSlot(11),
			},
			Durations: []float64{1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.2, 1.8},
			Transitions: []Transition{
				cut(), cut(), cut(), cut(), cut(), cut(),
				cut(), cut(), cut(), cut(), cut(),
			},
			Music:           &Music{TrackID: "hyperpop_glitch", Volume: 0.9},
			ColorCorrection: &ColorCorrection{FFmpegFilter: "eq=contrast=1.15:saturation=1.4"},
			ReverseClips:    []int{3, 7},
			AccessLevel:     AccessLevelPremium,
			Timeout:         5 * time.Minute,
			MaxRetries:      3,
		},
	}
}
