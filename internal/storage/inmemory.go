package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spachava753/tuner/internal/models"
)

var _ Storage = (*InMemoryStorage)(nil)

type studyRecord struct {
	id          int64
	name        string
	direction   models.StudyDirection
	userAttrs   map[string]any
	systemAttrs map[string]any
	trials      []models.FrozenTrial // index == trial number
}

type trialRef struct {
	studyID int64
	number  int
}

// InMemoryStorage keeps studies in a process-local map guarded by a
// sync.RWMutex. It is the default storage and is not persistent. Every read
// returns copies so callers cannot reach internal state.
type InMemoryStorage struct {
	mu          sync.RWMutex
	studies     map[int64]*studyRecord
	studyByName map[string]int64
	trials      map[int64]trialRef
	nextStudyID int64
	nextTrialID int64
	now         func() time.Time
}

// NewInMemoryStorage creates an empty in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		studies:     make(map[int64]*studyRecord),
		studyByName: make(map[string]int64),
		trials:      make(map[int64]trialRef),
		now:         time.Now,
	}
}

func (s *InMemoryStorage) CreateNewStudy(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = GenerateStudyName()
	}
	if _, exists := s.studyByName[name]; exists {
		return 0, fmt.Errorf("%w: %s", models.ErrDuplicatedStudy, name)
	}

	id := s.nextStudyID
	s.nextStudyID++
	s.studies[id] = &studyRecord{
		id:          id,
		name:        name,
		direction:   models.DirectionNotSet,
		userAttrs:   map[string]any{},
		systemAttrs: map[string]any{},
	}
	s.studyByName[name] = id
	return id, nil
}

func (s *InMemoryStorage) DeleteStudy(ctx context.Context, studyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return err
	}
	for _, t := range st.trials {
		delete(s.trials, t.ID)
	}
	delete(s.studyByName, st.name)
	delete(s.studies, studyID)
	return nil
}

func (s *InMemoryStorage) SetStudyDirection(ctx context.Context, studyID int64, direction models.StudyDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return err
	}
	if st.direction != models.DirectionNotSet && st.direction != direction {
		return fmt.Errorf("%w: study %s is already %s, cannot set %s", models.ErrInvalidDirection, st.name, st.direction, direction)
	}
	st.direction = direction
	return nil
}

func (s *InMemoryStorage) SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return err
	}
	st.userAttrs[key] = models.CloneAttrs(map[string]any{key: value})[key]
	return nil
}

func (s *InMemoryStorage) SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return err
	}
	st.systemAttrs[key] = models.CloneAttrs(map[string]any{key: value})[key]
	return nil
}

func (s *InMemoryStorage) GetStudyIDFromName(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.studyByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", models.ErrStudyNotFound, name)
	}
	return id, nil
}

func (s *InMemoryStorage) GetStudyIDFromTrialID(ctx context.Context, trialID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.trials[trialID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", models.ErrTrialNotFound, trialID)
	}
	return ref.studyID, nil
}

func (s *InMemoryStorage) GetStudyNameFromID(ctx context.Context, studyID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return "", err
	}
	return st.name, nil
}

func (s *InMemoryStorage) GetStudyDirection(ctx context.Context, studyID int64) (models.StudyDirection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return models.DirectionNotSet, err
	}
	return st.direction, nil
}

func (s *InMemoryStorage) GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return nil, err
	}
	return models.CloneAttrs(st.userAttrs), nil
}

func (s *InMemoryStorage) GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return nil, err
	}
	return models.CloneAttrs(st.systemAttrs), nil
}

func (s *InMemoryStorage) GetAllStudySummaries(ctx context.Context) ([]models.StudySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]models.StudySummary, 0, len(s.studies))
	for _, st := range s.studies {
		summaries = append(summaries, Summarize(st.id, st.name, st.direction, st.userAttrs, st.systemAttrs, st.trials))
	}
	models.SortSummaries(summaries)
	return summaries, nil
}

func (s *InMemoryStorage) CreateNewTrial(ctx context.Context, studyID int64, template *models.FrozenTrial) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return 0, err
	}

	id := s.nextTrialID
	s.nextTrialID++
	number := len(st.trials)
	st.trials = append(st.trials, NewTrial(id, number, template, s.now()))
	s.trials[id] = trialRef{studyID: studyID, number: number}
	return id, nil
}

func (s *InMemoryStorage) PopWaitingTrial(ctx context.Context, studyID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return 0, false, err
	}
	for i := range st.trials {
		t := &st.trials[i]
		if t.State != models.TrialWaiting {
			continue
		}
		if err := ApplyState(t, models.TrialRunning, s.now()); err != nil {
			return 0, false, err
		}
		return t.ID, true, nil
	}
	return 0, false, nil
}

func (s *InMemoryStorage) SetTrialState(ctx context.Context, trialID int64, state models.TrialState) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyState(t, state, s.now())
	})
}

func (s *InMemoryStorage) SetTrialStateValue(ctx context.Context, trialID int64, state models.TrialState, value *float64) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyStateValue(t, state, value, s.now())
	})
}

func (s *InMemoryStorage) SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist models.Distribution) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyParam(t, name, internal, dist)
	})
}

func (s *InMemoryStorage) SetTrialValue(ctx context.Context, trialID int64, value float64) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyValue(t, value)
	})
}

func (s *InMemoryStorage) SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyIntermediateValue(t, step, value)
	})
}

func (s *InMemoryStorage) SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplyUserAttr(t, key, value)
	})
}

func (s *InMemoryStorage) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.updateTrial(trialID, func(t *models.FrozenTrial) error {
		return ApplySystemAttr(t, key, value)
	})
}

func (s *InMemoryStorage) GetTrial(ctx context.Context, trialID int64) (models.FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return models.FrozenTrial{}, err
	}
	return t.Clone(), nil
}

func (s *InMemoryStorage) GetAllTrials(ctx context.Context, studyID int64, deepcopy bool) ([]models.FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return nil, err
	}

	trials := make([]models.FrozenTrial, len(st.trials))
	for i, t := range st.trials {
		if deepcopy {
			trials[i] = t.Clone()
		} else {
			trials[i] = t
		}
	}
	return trials, nil
}

func (s *InMemoryStorage) GetBestTrial(ctx context.Context, studyID int64) (models.FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.studyLocked(studyID)
	if err != nil {
		return models.FrozenTrial{}, err
	}
	return models.BestOf(st.trials, st.direction)
}

// ReadTrialsFromRemoteStorage is a no-op: there is no other writer.
func (s *InMemoryStorage) ReadTrialsFromRemoteStorage(ctx context.Context, studyID int64) error {
	return nil
}

func (s *InMemoryStorage) Close() error {
	return nil
}

// updateTrial applies fn to the stored trial under the write lock. fn
// mutates a copy, so a failed mutation leaves the record untouched.
func (s *InMemoryStorage) updateTrial(trialID int64, fn func(*models.FrozenTrial) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return err
	}
	updated := t.Clone()
	if err := fn(&updated); err != nil {
		return err
	}
	*t = updated
	return nil
}

// studyLocked looks up a study; caller must hold the lock.
func (s *InMemoryStorage) studyLocked(studyID int64) (*studyRecord, error) {
	st, ok := s.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrStudyNotFound, studyID)
	}
	return st, nil
}

// trialLocked looks up a trial; caller must hold the lock.
func (s *InMemoryStorage) trialLocked(trialID int64) (*models.FrozenTrial, error) {
	ref, ok := s.trials[trialID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrTrialNotFound, trialID)
	}
	st, err := s.studyLocked(ref.studyID)
	if err != nil {
		return nil, err
	}
	return &st.trials[ref.number], nil
}
