// Package study orchestrates trials of one optimization task against a
// storage backend, using a sampler to suggest parameters and a pruner to
// stop unpromising trials early.
package study

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
	"github.com/spachava753/tuner/internal/sampler"
	"github.com/spachava753/tuner/internal/storage"
)

// Study is a handle on a persisted study. Several Study values may share
// one storage and drive the same study concurrently. The sampler, pruner
// and stop state belong to this instance only and are never persisted.
type Study struct {
	id        int64
	name      string
	direction models.StudyDirection
	storage   storage.Storage
	logger    *slog.Logger

	mu            sync.Mutex
	sampler       sampler.Sampler
	pruner        pruner.Pruner
	loopActive    bool
	stopRequested bool
}

// Option configures a Study.
type Option func(*Study)

// WithSampler sets the sampler. Defaults to an unseeded RandomSampler.
func WithSampler(s sampler.Sampler) Option {
	return func(st *Study) { st.sampler = s }
}

// WithPruner sets the pruner. Defaults to a median pruner with 5 startup trials.
func WithPruner(p pruner.Pruner) Option {
	return func(st *Study) { st.pruner = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(st *Study) { st.logger = l }
}

func newStudy(store storage.Storage, id int64, name string, direction models.StudyDirection, opts ...Option) *Study {
	s := &Study{
		id:        id,
		name:      name,
		direction: direction,
		storage:   store,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sampler == nil {
		s.sampler = sampler.NewUnseededRandomSampler()
	}
	if s.pruner == nil {
		s.pruner = defaultPruner()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("study", name)
	return s
}

func defaultPruner() pruner.Pruner {
	p, err := pruner.NewMedianPruner(5, 0, 1)
	if err != nil {
		panic(err)
	}
	return p
}

func (s *Study) ID() int64 { return s.id }

func (s *Study) Name() string { return s.name }

func (s *Study) Direction() models.StudyDirection { return s.direction }

// Storage returns the backend this study reads and writes.
func (s *Study) Storage() storage.Storage { return s.storage }

func (s *Study) Sampler() sampler.Sampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampler
}

func (s *Study) Pruner() pruner.Pruner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruner
}

// SetSampler replaces the sampler of this instance.
func (s *Study) SetSampler(smp sampler.Sampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampler = smp
}

// SetPruner replaces the pruner of this instance.
func (s *Study) SetPruner(p pruner.Pruner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruner = p
}

// Trials returns all trials of the study ordered by number, after pulling in
// trials written by other writers. With deepcopy false the trials may share
// memory with the storage and must not be modified.
func (s *Study) Trials(ctx context.Context, deepcopy bool) ([]models.FrozenTrial, error) {
	if err := s.storage.ReadTrialsFromRemoteStorage(ctx, s.id); err != nil {
		return nil, fmt.Errorf("refreshing trials: %w", err)
	}
	return s.storage.GetAllTrials(ctx, s.id, deepcopy)
}

// TrialsByState returns deep copies of the trials in any of states.
func (s *Study) TrialsByState(ctx context.Context, states ...models.TrialState) ([]models.FrozenTrial, error) {
	trials, err := s.Trials(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []models.FrozenTrial
	for _, t := range trials {
		for _, st := range states {
			if t.State == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// BestTrial returns the COMPLETE trial with the best value. It fails with
// models.ErrNoCompletedTrials when nothing has completed.
func (s *Study) BestTrial(ctx context.Context) (models.FrozenTrial, error) {
	return s.storage.GetBestTrial(ctx, s.id)
}

func (s *Study) BestValue(ctx context.Context) (float64, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return 0, err
	}
	return *best.Value, nil
}

func (s *Study) BestParams(ctx context.Context) (map[string]any, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return nil, err
	}
	return best.Params, nil
}

func (s *Study) UserAttrs(ctx context.Context) (map[string]any, error) {
	return s.storage.GetStudyUserAttrs(ctx, s.id)
}

func (s *Study) SystemAttrs(ctx context.Context) (map[string]any, error) {
	return s.storage.GetStudySystemAttrs(ctx, s.id)
}

func (s *Study) SetUserAttr(ctx context.Context, key string, value any) error {
	return s.storage.SetStudyUserAttr(ctx, s.id, key, value)
}

func (s *Study) SetSystemAttr(ctx context.Context, key string, value any) error {
	return s.storage.SetStudySystemAttr(ctx, s.id, key, value)
}

// SetTrialSystemAttr lets pruners record bookkeeping on a trial of this study.
func (s *Study) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.storage.SetTrialSystemAttr(ctx, trialID, key, value)
}

// Stop asks the running Optimize loop of this instance to start no further
// trials. Trials already running finish normally. It fails with
// models.ErrStopOutsideLoop when no loop is running, and then leaves no
// trace.
func (s *Study) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loopActive {
		return models.ErrStopOutsideLoop
	}
	s.stopRequested = true
	return nil
}

// stopped reports whether Stop was called during the current loop.
func (s *Study) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}
