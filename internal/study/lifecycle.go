package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/storage"
	"github.com/spachava753/tuner/internal/storage/badger"
)

const badgerScheme = "badger://"

// OpenStorage resolves a storage locator:
//
//	"" or "memory"      new in-memory storage
//	"badger://<dir>"    persistent BadgerDB in <dir>
//	"badger://:memory:" in-memory BadgerDB
func OpenStorage(locator string) (storage.Storage, error) {
	switch {
	case locator == "" || locator == "memory":
		return storage.NewInMemoryStorage(), nil
	case strings.HasPrefix(locator, badgerScheme):
		path := strings.TrimPrefix(locator, badgerScheme)
		if path == "" {
			return nil, fmt.Errorf("badger locator needs a directory: %q", locator)
		}
		cfg := badger.DefaultConfig(path)
		if path == ":memory:" {
			cfg = badger.InMemoryConfig()
		}
		cfg.Logger = slog.Default().With("component", "badger")
		db, err := badger.Open(cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage locator: %q", locator)
	}
}

// CreateOptions names and directs a new study.
type CreateOptions struct {
	// StudyName is generated when empty.
	StudyName string
	// Direction defaults to minimize.
	Direction models.StudyDirection
	// LoadIfExists loads the study instead of failing when the name is taken.
	LoadIfExists bool
}

// CreateStudy creates a study in store, or in a new in-memory storage when
// store is nil.
func CreateStudy(ctx context.Context, store storage.Storage, co CreateOptions, opts ...Option) (*Study, error) {
	if store == nil {
		store = storage.NewInMemoryStorage()
	}
	direction := co.Direction
	if direction == "" || direction == models.DirectionNotSet {
		direction = models.DirectionMinimize
	}
	if direction != models.DirectionMinimize && direction != models.DirectionMaximize {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDirection, direction)
	}

	id, err := store.CreateNewStudy(ctx, co.StudyName)
	if err != nil {
		if errors.Is(err, models.ErrDuplicatedStudy) && co.LoadIfExists {
			slog.Info("using an existing study", "study", co.StudyName)
			s, err := LoadStudy(ctx, store, co.StudyName, opts...)
			if err != nil {
				return nil, err
			}
			if s.direction != direction {
				s.logger.Warn("existing study has a different direction", "direction", s.direction, "requested", direction)
			}
			return s, nil
		}
		return nil, fmt.Errorf("creating study: %w", err)
	}

	name, err := store.GetStudyNameFromID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading study name: %w", err)
	}
	if err := store.SetStudyDirection(ctx, id, direction); err != nil {
		return nil, fmt.Errorf("setting study direction: %w", err)
	}

	slog.Info("study created", "study", name, "direction", direction)
	return newStudy(store, id, name, direction, opts...), nil
}

// LoadStudy opens an existing study by name.
func LoadStudy(ctx context.Context, store storage.Storage, name string, opts ...Option) (*Study, error) {
	if store == nil {
		return nil, errors.New("loading a study requires a storage")
	}
	id, err := store.GetStudyIDFromName(ctx, name)
	if err != nil {
		return nil, err
	}
	direction, err := store.GetStudyDirection(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading direction of study %s: %w", name, err)
	}
	return newStudy(store, id, name, direction, opts...), nil
}

// DeleteStudy removes a study and its trials from store.
func DeleteStudy(ctx context.Context, store storage.Storage, name string) error {
	id, err := store.GetStudyIDFromName(ctx, name)
	if err != nil {
		return err
	}
	if err := store.DeleteStudy(ctx, id); err != nil {
		return fmt.Errorf("deleting study %s: %w", name, err)
	}
	slog.Info("study deleted", "study", name)
	return nil
}

// GetAllStudySummaries lists every study in store ordered by study id.
func GetAllStudySummaries(ctx context.Context, store storage.Storage) ([]models.StudySummary, error) {
	return store.GetAllStudySummaries(ctx)
}
