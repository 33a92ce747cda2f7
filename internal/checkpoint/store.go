package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/checkpoint"

const (
	idMarker   = "_CHECKPOINT_"
	archiveDir = "archive"
	stateDir   = "state"
	jsonExt    = ".json"
	mdExt      = ".md"
)

// ID returns the deterministic checkpoint name for a phase and sequence.
func ID(phaseID string, sequence int) string {
	return phaseID + idMarker + strconv.Itoa(sequence)
}

// ParseID splits a checkpoint name into phase ID and sequence. A trailing
// .json is accepted.
func ParseID(id string) (string, int, error) {
	id = strings.TrimSuffix(filepath.Base(id), jsonExt)
	i := strings.LastIndex(id, idMarker)
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	seq, err := strconv.Atoi(id[i+len(idMarker):])
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("%w: %q has no positive sequence", ErrInvalidID, id)
	}
	return id[:i], seq, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, name)
	}
	return nil
}

// ValidatePartition checks that completed, inProgress, and remaining cover
// itemIDs exactly once each.
func ValidatePartition(itemIDs, completed []string, inProgress string, remaining []string) error {
	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}

	seen := make(map[string]bool, len(itemIDs))
	check := func(id string) error {
		if !want[id] {
			return fmt.Errorf("%w: unknown item %s", ErrInvalidPartition, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: item %s appears twice", ErrInvalidPartition, id)
		}
		seen[id] = true
		return nil
	}

	for _, id := range completed {
		if err := check(id); err != nil {
			return err
		}
	}
	if inProgress != "" {
		if err := check(inProgress); err != nil {
			return err
		}
	}
	for _, id := range remaining {
		if err := check(id); err != nil {
			return err
		}
	}
	for _, id := range itemIDs {
		if !seen[id] {
			return fmt.Errorf("%w: item %s missing", ErrInvalidPartition, id)
		}
	}
	return nil
}

// Store is a directory-backed checkpoint store.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	tracer        trace.Tracer
	saveCounter   metric.Int64Counter
	resumeCounter metric.Int64Counter

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	for _, d := range []string{dir, filepath.Join(dir, archiveDir), filepath.Join(dir, stateDir), filepath.Join(dir, synthesisDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	s := &Store{
		dir:    dir,
		logger: zap.NewNop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics(otel.Meter(instrumentationName))
	return s, nil
}

func (s *Store) initMetrics(meter metric.Meter) {
	var err error

	s.saveCounter, err = meter.Int64Counter(
		"phasegate.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints written"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.resumeCounter, err = meter.Int64Counter(
		"phasegate.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restore attempts"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) activePath(id string) string {
	return filepath.Join(s.dir, id+jsonExt)
}

func (s *Store) archivedPath(id string) string {
	return filepath.Join(s.dir, archiveDir, id+jsonExt)
}

// Snapshot writes the next checkpoint for req.PhaseID.
func (s *Store) Snapshot(ctx context.Context, req SnapshotRequest) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.snapshot")
	defer span.End()

	span.SetAttributes(
		attribute.String("phase.id", req.PhaseID),
		attribute.String("checkpoint.reason", string(req.Reason)),
	)

	if err := validName(req.PhaseID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ValidatePartition(req.ItemIDs, req.CompletedItemIDs, req.InProgressItem, req.RemainingItemIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("phase %s: %w", req.PhaseID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestSequence(req.PhaseID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	seq := latest + 1
	cp := &Checkpoint{
		ID:               ID(req.PhaseID, seq),
		PhaseID:          req.PhaseID,
		Sequence:         seq,
		CompletedItemIDs: nonNil(req.CompletedItemIDs),
		InProgressItem:   req.InProgressItem,
		RemainingItemIDs: nonNil(req.RemainingItemIDs),
		BudgetCounters:   req.BudgetCounters,
		Zone:             req.Zone,
		Timestamp:        s.now().UTC(),
		Reason:           req.Reason,
		Cancelled:        req.Reason == ReasonCancelled,
		RunID:            req.RunID,
		PlanID:           req.PlanID,
		PlanPath:         req.PlanPath,
		CompletedPhases:  req.CompletedPhases,
		ItemCriteria:     req.ItemCriteria,
		Reflections:      req.Reflections,
		Detail:           req.Detail,
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// The markdown companion goes first so the JSON file, which is what
	// restore reads, only appears once both are on disk.
	if err := writeFileAtomic(filepath.Join(s.dir, cp.ID+mdExt), []byte(RenderMarkdown(cp))); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := writeFileAtomic(s.activePath(cp.ID), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(cp.Reason))))
	}
	s.logger.Info("checkpoint written",
		zap.String("checkpoint_id", cp.ID),
		zap.String("reason", string(cp.Reason)),
		zap.Int("completed", len(cp.CompletedItemIDs)),
		zap.Int("remaining", len(cp.RemainingItemIDs)),
		zap.String("in_progress", cp.InProgressItem),
	)

	span.SetAttributes(attribute.String("checkpoint.id", cp.ID))
	return cp, nil
}

// Restore loads and consumes a checkpoint. It fails with ErrConsumed if the
// checkpoint was already restored, *StaleCheckpointError if a later
// checkpoint exists for the phase, *CorruptCheckpointError if the file is
// unreadable, and ErrCancelled for a cancelled run without opts.Force. On
// success the checkpoint is moved to the archive.
func (s *Store) Restore(ctx context.Context, id string, opts RestoreOptions) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint.id", id))

	cp, err := s.restore(id, opts)
	result := "success"
	if err != nil {
		result = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.resumeCounter != nil {
		s.resumeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	return cp, err
}

func (s *Store) restore(id string, opts RestoreOptions) (*Checkpoint, error) {
	phaseID, seq, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	id = ID(phaseID, seq)
	if err := validName(phaseID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.activePath(id)); err != nil {
		if _, aerr := os.Stat(s.archivedPath(id)); aerr == nil {
			return nil, fmt.Errorf("%s: %w", id, ErrConsumed)
		}
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	cp, err := s.read(s.activePath(id), id)
	if err != nil {
		return nil, err
	}

	latest, err := s.latestSequence(phaseID)
	if err != nil {
		return nil, err
	}
	if latest > seq {
		return nil, &StaleCheckpointError{ID: id, PhaseID: phaseID, Sequence: seq, Latest: latest}
	}

	if cp.Cancelled && !opts.Force {
		return nil, fmt.Errorf("%s: %w", id, ErrCancelled)
	}

	if err := s.archive(id); err != nil {
		return nil, err
	}

	s.logger.Info("checkpoint restored",
		zap.String("checkpoint_id", id),
		zap.String("phase_id", phaseID),
		zap.Bool("forced", opts.Force && cp.Cancelled),
	)
	return cp, nil
}

// archive moves an active checkpoint and its markdown companion into the
// archive directory. Callers hold s.mu.
func (s *Store) archive(id string) error {
	if err := os.Rename(s.activePath(id), s.archivedPath(id)); err != nil {
		return fmt.Errorf("failed to archive checkpoint %s: %w", id, err)
	}
	md := filepath.Join(s.dir, id+mdExt)
	if _, err := os.Stat(md); err == nil {
		if err := os.Rename(md, filepath.Join(s.dir, archiveDir, id+mdExt)); err != nil {
			s.logger.Warn("failed to archive handoff markdown", zap.String("checkpoint_id", id), zap.Error(err))
		}
	}
	return nil
}

// Supersede archives every active checkpoint of a completed phase so none of
// them can be restored afterwards. It returns the archived IDs.
func (s *Store) Supersede(ctx context.Context, phaseID string) ([]string, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.supersede")
	defer span.End()
	span.SetAttributes(attribute.String("phase.id", phaseID))

	if err := validName(phaseID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.List(ListOptions{PhaseID: phaseID})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if err := s.archive(e.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return ids, err
		}
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		s.logger.Info("checkpoints superseded",
			zap.String("phase_id", phaseID),
			zap.Strings("checkpoint_ids", ids),
		)
	}
	return ids, nil
}

// Get reads a checkpoint without consuming it. Archived checkpoints are
// returned too.
func (s *Store) Get(id string) (*Checkpoint, error) {
	phaseID, seq, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	id = ID(phaseID, seq)
	for _, path := range []string{s.activePath(id), s.archivedPath(id)} {
		if _, err := os.Stat(path); err == nil {
			return s.read(path, id)
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (s *Store) read(path, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &CorruptCheckpointError{ID: id, Err: err}
	}
	if cp.ID != id || cp.PhaseID == "" || cp.Sequence < 1 {
		return nil, &CorruptCheckpointError{ID: id, Err: fmt.Errorf("header mismatch: id %q phase %q sequence %d", cp.ID, cp.PhaseID, cp.Sequence)}
	}
	all := append(append(append([]string{}, cp.CompletedItemIDs...), cp.RemainingItemIDs...), nonEmpty(cp.InProgressItem)...)
	if err := ValidatePartition(all, cp.CompletedItemIDs, cp.InProgressItem, cp.RemainingItemIDs); err != nil {
		return nil, &CorruptCheckpointError{ID: id, Err: err}
	}
	return &cp, nil
}

// ListOptions filters List.
type ListOptions struct {
	PhaseID         string
	IncludeArchived bool
}

// Entry is a listed checkpoint file.
type Entry struct {
	ID       string
	PhaseID  string
	Sequence int
	Archived bool
	Path     string
}

// List returns checkpoint entries sorted by phase then sequence.
func (s *Store) List(opts ListOptions) ([]Entry, error) {
	matches, err := doublestar.Glob(os.DirFS(s.dir), "**/*"+idMarker+"*"+jsonExt)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var entries []Entry
	for _, m := range matches {
		phaseID, seq, err := ParseID(m)
		if err != nil {
			continue
		}
		if opts.PhaseID != "" && phaseID != opts.PhaseID {
			continue
		}
		var archived bool
		switch path.Dir(m) {
		case ".":
		case archiveDir:
			archived = true
		default:
			continue
		}
		if archived && !opts.IncludeArchived {
			continue
		}
		entries = append(entries, Entry{
			ID:       ID(phaseID, seq),
			PhaseID:  phaseID,
			Sequence: seq,
			Archived: archived,
			Path:     filepath.Join(s.dir, filepath.FromSlash(m)),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PhaseID != entries[j].PhaseID {
			return entries[i].PhaseID < entries[j].PhaseID
		}
		return entries[i].Sequence < entries[j].Sequence
	})
	return entries, nil
}

// LatestSequence returns the highest sequence ever written for a phase,
// active or archived, or 0.
func (s *Store) LatestSequence(phaseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestSequence(phaseID)
}

func (s *Store) latestSequence(phaseID string) (int, error) {
	entries, err := s.List(ListOptions{PhaseID: phaseID, IncludeArchived: true})
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, e := range entries {
		latest = max(latest, e.Sequence)
	}
	return latest, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(target string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(target), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(target), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(target), err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(target), err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
