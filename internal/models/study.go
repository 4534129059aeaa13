package models

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
)

// StudyDirection says whether lower or higher objective values are better.
type StudyDirection string

const (
	DirectionNotSet   StudyDirection = "NOT_SET"
	DirectionMinimize StudyDirection = "MINIMIZE"
	DirectionMaximize StudyDirection = "MAXIMIZE"
)

// ParseDirection parses "minimize" or "maximize" in any case.
func ParseDirection(s string) (StudyDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimize":
		return DirectionMinimize, nil
	case "maximize":
		return DirectionMaximize, nil
	default:
		return DirectionNotSet, fmt.Errorf("%w: %q (want minimize or maximize)", ErrInvalidDirection, s)
	}
}

// Better reports whether a is strictly better than b under the direction.
func (d StudyDirection) Better(a, b float64) bool {
	if d == DirectionMaximize {
		return a > b
	}
	return a < b
}

// StudySummary is a read-only aggregate of a study at a point in time.
type StudySummary struct {
	StudyID       int64          `json:"study_id"`
	StudyName     string         `json:"study_name"`
	Direction     StudyDirection `json:"direction"`
	BestTrial     *FrozenTrial   `json:"best_trial,omitempty"`
	UserAttrs     map[string]any `json:"user_attrs"`
	SystemAttrs   map[string]any `json:"system_attrs"`
	NTrials       int            `json:"n_trials"`
	DatetimeStart *time.Time     `json:"datetime_start,omitempty"`
}

// Compare orders summaries by study id.
func (s StudySummary) Compare(other StudySummary) int {
	return cmp.Compare(s.StudyID, other.StudyID)
}

// Less reports whether s sorts before other.
func (s StudySummary) Less(other StudySummary) bool {
	return s.StudyID < other.StudyID
}

// Equal reports whether two summaries hold the same data.
func (s StudySummary) Equal(other StudySummary) bool {
	return reflect.DeepEqual(s, other)
}

// SortSummaries sorts summaries by ascending study id.
func SortSummaries(summaries []StudySummary) {
	slices.SortFunc(summaries, StudySummary.Compare)
}

// BestOf returns the best COMPLETE trial of trials under direction. Ties
// keep the lower trial number.
func BestOf(trials []FrozenTrial, direction StudyDirection) (FrozenTrial, error) {
	var best *FrozenTrial
	for i := range trials {
		t := &trials[i]
		if t.State != TrialComplete || t.Value == nil {
			continue
		}
		if best == nil || direction.Better(*t.Value, *best.Value) ||
			(*t.Value == *best.Value && t.Number < best.Number) {
			best = t
		}
	}
	if best == nil {
		return FrozenTrial{}, ErrNoCompletedTrials
	}
	return best.Clone(), nil
}
