package models

import "time"

// OptimizeResult contains aggregate metrics across all trials of a study run.
type OptimizeResult struct {
	StudyName        string         `json:"study_name"`
	Direction        StudyDirection `json:"direction"`
	Cancelled        bool           `json:"cancelled"`
	Stopped          bool           `json:"stopped"`
	TotalTrials      int            `json:"total_trials"`
	CompletedTrials  int            `json:"completed_trials"`
	PrunedTrials     int            `json:"pruned_trials"`
	FailedTrials     int            `json:"failed_trials"`
	BestValue        *float64       `json:"best_value"`
	BestParams       map[string]any `json:"best_params,omitempty"`
	BestTrialNumber  *int           `json:"best_trial_number,omitempty"`
	TotalDurationSec float64        `json:"total_duration_sec"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at"`
	Results          []TrialSummary `json:"results"`
}

// TrialSummary is a compact per-trial line of an OptimizeResult.
type TrialSummary struct {
	Number      int            `json:"number"`
	State       TrialState     `json:"state"`
	Value       *float64       `json:"value"`
	Params      map[string]any `json:"params"`
	DurationSec *float64       `json:"duration_sec"`
	FailType    ErrorType      `json:"fail_type,omitempty"`
}

// Summarize aggregates finished trials into an OptimizeResult.
func Summarize(studyName string, direction StudyDirection, trials []FrozenTrial, startedAt, endedAt time.Time) *OptimizeResult {
	r := &OptimizeResult{
		StudyName:   studyName,
		Direction:   direction,
		TotalTrials: len(trials),
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		Results:     make([]TrialSummary, 0, len(trials)),
	}
	r.TotalDurationSec = endedAt.Sub(startedAt).Seconds()

	for _, t := range trials {
		switch t.State {
		case TrialComplete:
			r.CompletedTrials++
		case TrialPruned:
			r.PrunedTrials++
		case TrialFail:
			r.FailedTrials++
		}

		ts := TrialSummary{
			Number: t.Number,
			State:  t.State,
			Value:  t.Value,
			Params: CloneAttrs(t.Params),
		}
		if t.DatetimeStart != nil && t.DatetimeComplete != nil {
			d := t.DatetimeComplete.Sub(*t.DatetimeStart).Seconds()
			ts.DurationSec = &d
		}
		if ft, ok := t.SystemAttrs[SystemAttrFailType].(string); ok {
			ts.FailType = ErrorType(ft)
		}
		r.Results = append(r.Results, ts)
	}

	if best, err := BestOf(trials, direction); err == nil {
		r.BestValue = best.Value
		r.BestParams = best.Params
		n := best.Number
		r.BestTrialNumber = &n
	}
	return r
}
