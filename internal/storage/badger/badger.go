// Package badger provides a persistent Storage backed by BadgerDB.
//
// Layout (all values JSON unless noted):
//
//	seq/study                      next study id (8 bytes, big endian)
//	seq/trial                      next trial id (8 bytes, big endian)
//	study/id/<study id>            studyRow
//	study/name/<name>              study id (8 bytes)
//	trial/id/<trial id>            trialRow
//	study/trials/<study id>/<num>  trial id (8 bytes)
//
// Every mutation runs in a single read-modify-write transaction. BadgerDB
// detects conflicting transactions at commit; those are retried, which is
// what makes trial-number allocation atomic across goroutines. A BadgerDB
// directory can only be opened by one process at a time.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/storage"
)

var _ storage.Storage = (*Storage)(nil)

// Config holds configuration for a BadgerDB-backed storage.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in memory. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. If nil they are discarded.
	Logger *slog.Logger

	// MaxConflictRetries bounds how often a conflicting transaction is retried.
	MaxConflictRetries int
}

// DefaultConfig returns production defaults for the database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		SyncWrites:         true,
		MaxConflictRetries: 1000,
	}
}

// InMemoryConfig returns a configuration for an ephemeral in-memory database.
func InMemoryConfig() Config {
	return Config{
		InMemory:           true,
		MaxConflictRetries: 1000,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof logs at debug level; badger reports every table and compaction at info.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Storage implements storage.Storage on BadgerDB.
type Storage struct {
	db         *dgbadger.DB
	maxRetries int
	now        func() time.Time
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Storage, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = 1000
	}
	return &Storage{db: db, maxRetries: retries, now: time.Now}, nil
}

// OpenWithPath opens a persistent database at path with production defaults.
func OpenWithPath(path string) (*Storage, error) {
	return Open(DefaultConfig(path))
}

// OpenInMemory opens an in-memory database.
func OpenInMemory() (*Storage, error) {
	return Open(InMemoryConfig())
}

type studyRow struct {
	ID          int64                 `json:"id"`
	Name        string                `json:"name"`
	Direction   models.StudyDirection `json:"direction"`
	UserAttrs   map[string]any        `json:"user_attrs"`
	SystemAttrs map[string]any        `json:"system_attrs"`
	NTrials     int                   `json:"n_trials"`
}

type trialRow struct {
	StudyID int64              `json:"study_id"`
	Trial   models.FrozenTrial `json:"trial"`
}

var (
	studySeqKey = []byte("seq/study")
	trialSeqKey = []byte("seq/trial")
)

func studyKey(id int64) []byte          { return []byte(fmt.Sprintf("study/id/%020d", id)) }
func studyNameKey(name string) []byte   { return []byte("study/name/" + name) }
func trialKey(id int64) []byte          { return []byte(fmt.Sprintf("trial/id/%020d", id)) }
func studyTrialsPrefix(id int64) []byte { return []byte(fmt.Sprintf("study/trials/%020d/", id)) }
func studyTrialKey(studyID int64, number int) []byte {
	return []byte(fmt.Sprintf("study/trials/%020d/%010d", studyID, number))
}

var studyIDPrefix = []byte("study/id/")

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *Storage) update(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
		slog.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("transaction kept conflicting after %d retries: %w", s.maxRetries, err)
}

func (s *Storage) view(fn func(txn *dgbadger.Txn) error) error {
	return s.db.View(fn)
}

func nextSeq(txn *dgbadger.Txn, key []byte) (int64, error) {
	var next int64
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, dgbadger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			next = decodeID(val)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	if err := txn.Set(key, encodeID(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func getJSON(txn *dgbadger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *dgbadger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func loadStudy(txn *dgbadger.Txn, id int64) (*studyRow, error) {
	var row studyRow
	if err := getJSON(txn, studyKey(id), &row); err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: id %d", models.ErrStudyNotFound, id)
		}
		return nil, fmt.Errorf("read study %d: %w", id, err)
	}
	if row.UserAttrs == nil {
		row.UserAttrs = map[string]any{}
	}
	if row.SystemAttrs == nil {
		row.SystemAttrs = map[string]any{}
	}
	return &row, nil
}

func loadTrial(txn *dgbadger.Txn, id int64) (*trialRow, error) {
	var row trialRow
	if err := getJSON(txn, trialKey(id), &row); err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %d", models.ErrTrialNotFound, id)
		}
		return nil, fmt.Errorf("read trial %d: %w", id, err)
	}
	return &row, nil
}

// studyTrialIDs lists the trial ids of a study in number order.
func studyTrialIDs(txn *dgbadger.Txn, studyID int64) ([]int64, error) {
	opts := dgbadger.DefaultIteratorOptions
	prefix := studyTrialsPrefix(studyID)
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []int64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(func(val []byte) error {
			ids = append(ids, decodeID(val))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func loadStudyTrials(txn *dgbadger.Txn, studyID int64) ([]models.FrozenTrial, error) {
	ids, err := studyTrialIDs(txn, studyID)
	if err != nil {
		return nil, fmt.Errorf("list trials of study %d: %w", studyID, err)
	}
	trials := make([]models.FrozenTrial, 0, len(ids))
	for _, id := range ids {
		row, err := loadTrial(txn, id)
		if err != nil {
			return nil, err
		}
		trials = append(trials, row.Trial)
	}
	return trials, nil
}

func (s *Storage) CreateNewStudy(ctx context.Context, name string) (int64, error) {
	if name == "" {
		name = storage.GenerateStudyName()
	}

	var id int64
	err := s.update(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(studyNameKey(name))
		if err == nil {
			return fmt.Errorf("%w: %s", models.ErrDuplicatedStudy, name)
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		id, err = nextSeq(txn, studySeqKey)
		if err != nil {
			return fmt.Errorf("allocate study id: %w", err)
		}
		if err := txn.Set(studyNameKey(name), encodeID(id)); err != nil {
			return err
		}
		return setJSON(txn, studyKey(id), studyRow{
			ID:          id,
			Name:        name,
			Direction:   models.DirectionNotSet,
			UserAttrs:   map[string]any{},
			SystemAttrs: map[string]any{},
		})
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("study created", "study", name, "study_id", id)
	return id, nil
}

func (s *Storage) DeleteStudy(ctx context.Context, studyID int64) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		row, err := loadStudy(txn, studyID)
		if err != nil {
			return err
		}
		ids, err := studyTrialIDs(txn, studyID)
		if err != nil {
			return err
		}
		for number, id := range ids {
			if err := txn.Delete(trialKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(studyTrialKey(studyID, number)); err != nil {
				return err
			}
		}
		if err := txn.Delete(studyNameKey(row.Name)); err != nil {
			return err
		}
		return txn.Delete(studyKey(studyID))
	})
}

func (s *Storage) updateStudy(ctx context.Context, studyID int64, fn func(row *studyRow) error) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		row, err := loadStudy(txn, studyID)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
		return setJSON(txn, studyKey(studyID), row)
	})
}

func (s *Storage) SetStudyDirection(ctx context.Context, studyID int64, direction models.StudyDirection) error {
	return s.updateStudy(ctx, studyID, func(row *studyRow) error {
		if row.Direction != models.DirectionNotSet && row.Direction != direction {
			return fmt.Errorf("%w: study %s is already %s, cannot set %s", models.ErrInvalidDirection, row.Name, row.Direction, direction)
		}
		row.Direction = direction
		return nil
	})
}

func (s *Storage) SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error {
	return s.updateStudy(ctx, studyID, func(row *studyRow) error {
		row.UserAttrs[key] = value
		return nil
	})
}

func (s *Storage) SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error {
	return s.updateStudy(ctx, studyID, func(row *studyRow) error {
		row.SystemAttrs[key] = value
		return nil
	})
}

func (s *Storage) readStudy(studyID int64) (*studyRow, error) {
	var row *studyRow
	err := s.view(func(txn *dgbadger.Txn) error {
		var err error
		row, err = loadStudy(txn, studyID)
		return err
	})
	return row, err
}

func (s *Storage) GetStudyIDFromName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.view(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(studyNameKey(name))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", models.ErrStudyNotFound, name)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = decodeID(val)
			return nil
		})
	})
	return id, err
}

func (s *Storage) GetStudyIDFromTrialID(ctx context.Context, trialID int64) (int64, error) {
	var studyID int64
	err := s.view(func(txn *dgbadger.Txn) error {
		row, err := loadTrial(txn, trialID)
		if err != nil {
			return err
		}
		studyID = row.StudyID
		return nil
	})
	return studyID, err
}

func (s *Storage) GetStudyNameFromID(ctx context.Context, studyID int64) (string, error) {
	row, err := s.readStudy(studyID)
	if err != nil {
		return "", err
	}
	return row.Name, nil
}

func (s *Storage) GetStudyDirection(ctx context.Context, studyID int64) (models.StudyDirection, error) {
	row, err := s.readStudy(studyID)
	if err != nil {
		return models.DirectionNotSet, err
	}
	return row.Direction, nil
}

func (s *Storage) GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	row, err := s.readStudy(studyID)
	if err != nil {
		return nil, err
	}
	return row.UserAttrs, nil
}

func (s *Storage) GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	row, err := s.readStudy(studyID)
	if err != nil {
		return nil, err
	}
	return row.SystemAttrs, nil
}

func (s *Storage) GetAllStudySummaries(ctx context.Context) ([]models.StudySummary, error) {
	var summaries []models.StudySummary
	err := s.view(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = studyIDPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var rows []studyRow
		for it.Seek(studyIDPrefix); it.ValidForPrefix(studyIDPrefix); it.Next() {
			var row studyRow
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode study: %w", err)
			}
			rows = append(rows, row)
		}

		for _, row := range rows {
			trials, err := loadStudyTrials(txn, row.ID)
			if err != nil {
				return err
			}
			summaries = append(summaries, storage.Summarize(row.ID, row.Name, row.Direction, row.UserAttrs, row.SystemAttrs, trials))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	models.SortSummaries(summaries)
	return summaries, nil
}

func (s *Storage) CreateNewTrial(ctx context.Context, studyID int64, template *models.FrozenTrial) (int64, error) {
	var id int64
	err := s.update(ctx, func(txn *dgbadger.Txn) error {
		study, err := loadStudy(txn, studyID)
		if err != nil {
			return err
		}

		id, err = nextSeq(txn, trialSeqKey)
		if err != nil {
			return fmt.Errorf("allocate trial id: %w", err)
		}
		number := study.NTrials
		study.NTrials++

		trial := storage.NewTrial(id, number, template, s.now())
		if err := setJSON(txn, trialKey(id), trialRow{StudyID: studyID, Trial: trial}); err != nil {
			return err
		}
		if err := txn.Set(studyTrialKey(studyID, number), encodeID(id)); err != nil {
			return err
		}
		return setJSON(txn, studyKey(studyID), study)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Storage) PopWaitingTrial(ctx context.Context, studyID int64) (int64, bool, error) {
	var (
		id    int64
		found bool
	)
	err := s.update(ctx, func(txn *dgbadger.Txn) error {
		found = false
		ids, err := studyTrialIDs(txn, studyID)
		if err != nil {
			return err
		}
		for _, candidate := range ids {
			row, err := loadTrial(txn, candidate)
			if err != nil {
				return err
			}
			if row.Trial.State != models.TrialWaiting {
				continue
			}
			if err := storage.ApplyState(&row.Trial, models.TrialRunning, s.now()); err != nil {
				return err
			}
			id, found = candidate, true
			return setJSON(txn, trialKey(candidate), row)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

func (s *Storage) updateTrial(ctx context.Context, trialID int64, fn func(t *models.FrozenTrial) error) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		row, err := loadTrial(txn, trialID)
		if err != nil {
			return err
		}
		if err := fn(&row.Trial); err != nil {
			return err
		}
		return setJSON(txn, trialKey(trialID), row)
	})
}

func (s *Storage) SetTrialState(ctx context.Context, trialID int64, state models.TrialState) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyState(t, state, s.now())
	})
}

func (s *Storage) SetTrialStateValue(ctx context.Context, trialID int64, state models.TrialState, value *float64) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyStateValue(t, state, value, s.now())
	})
}

func (s *Storage) SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist models.Distribution) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyParam(t, name, internal, dist)
	})
}

func (s *Storage) SetTrialValue(ctx context.Context, trialID int64, value float64) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyValue(t, value)
	})
}

func (s *Storage) SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyIntermediateValue(t, step, value)
	})
}

func (s *Storage) SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplyUserAttr(t, key, value)
	})
}

func (s *Storage) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.updateTrial(ctx, trialID, func(t *models.FrozenTrial) error {
		return storage.ApplySystemAttr(t, key, value)
	})
}

func (s *Storage) GetTrial(ctx context.Context, trialID int64) (models.FrozenTrial, error) {
	var trial models.FrozenTrial
	err := s.view(func(txn *dgbadger.Txn) error {
		row, err := loadTrial(txn, trialID)
		if err != nil {
			return err
		}
		trial = row.Trial
		return nil
	})
	return trial, err
}

// GetAllTrials always returns freshly decoded trials, so deepcopy has no
// effect here.
func (s *Storage) GetAllTrials(ctx context.Context, studyID int64, deepcopy bool) ([]models.FrozenTrial, error) {
	var trials []models.FrozenTrial
	err := s.view(func(txn *dgbadger.Txn) error {
		if _, err := loadStudy(txn, studyID); err != nil {
			return err
		}
		var err error
		trials, err = loadStudyTrials(txn, studyID)
		return err
	})
	return trials, err
}

func (s *Storage) GetBestTrial(ctx context.Context, studyID int64) (models.FrozenTrial, error) {
	var best models.FrozenTrial
	err := s.view(func(txn *dgbadger.Txn) error {
		study, err := loadStudy(txn, studyID)
		if err != nil {
			return err
		}
		trials, err := loadStudyTrials(txn, studyID)
		if err != nil {
			return err
		}
		best, err = models.BestOf(trials, study.Direction)
		return err
	})
	return best, err
}

// ReadTrialsFromRemoteStorage is a no-op: every read goes to the database.
func (s *Storage) ReadTrialsFromRemoteStorage(ctx context.Context, studyID int64) error {
	return nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}
