// Package ingest picks up recordings dropped into a watch directory,
// links them to calls, applies the recording rules, transcodes them and
// stores them in a storage pool.
package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/calldoc/calldoc/internal/audio"
	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/rules"
	"github.com/calldoc/calldoc/internal/storage"
)

const (
	tempDirName  = "temp"
	errorDirName = "error"
)

var audioExts = []string{".wav", ".mp3", ".ogg", ".opus", ".gsm", ".flac", ".m4a", ".aac"}

// AudioProcessor is the subset of audio.Processor the pipeline needs.
type AudioProcessor interface {
	Inspect(ctx context.Context, path string) (audio.MediaInfo, error)
	Transcode(ctx context.Context, in, out string) (audio.TranscodeResult, error)
	Peaks(ctx context.Context, path string, count int) ([]float64, error)
}

// RuleEvaluator decides whether a matched call's recording is kept.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, call *models.Call) (rules.Decision, error)
}

// ObjectStore is the subset of storage.Service the pipeline writes through.
type ObjectStore interface {
	WriteFile(ctx context.Context, poolID int64, name string, data []byte) error
	DeleteFile(ctx context.Context, poolID int64, name string) error
}

// Config controls the pipeline.
type Config struct {
	WatchDir      string
	PollInterval  time.Duration
	StabilityWait time.Duration
	PoolID        int64
	PeaksCount    int
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Ingested  int64 `json:"ingested"`
	Errors    int64 `json:"errors"`
	Deferred  int64 `json:"deferred"`
}

// Pipeline polls the watch directory and ingests stable files one at a time.
type Pipeline struct {
	cfg        Config
	calls      database.CallRepository
	recordings database.RecordingRepository
	matcher    *Matcher
	rules      RuleEvaluator
	audio      AudioProcessor
	store      ObjectStore
	logger     *slog.Logger

	running atomic.Bool
	nudge   chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	processed   map[string]struct{}
	quarantined map[string]struct{}

	processedN atomic.Int64
	skipped    atomic.Int64
	ingested   atomic.Int64
	errors     atomic.Int64
	deferred   atomic.Int64

	// overridden in tests
	nowFunc func() time.Time
}

// New creates a Pipeline. rules may be nil, in which case every matched
// call is recorded.
func New(cfg Config, calls database.CallRepository, recordings database.RecordingRepository,
	ruleEval RuleEvaluator, proc AudioProcessor, store ObjectStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		calls:       calls,
		recordings:  recordings,
		matcher:     NewMatcher(calls),
		rules:       ruleEval,
		audio:       proc,
		store:       store,
		logger:      logger.With("subsystem", "ingest"),
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		processed:   make(map[string]struct{}),
		quarantined: make(map[string]struct{}),
		nowFunc:     time.Now,
	}
}

func (p *Pipeline) tempDir() string  { return filepath.Join(p.cfg.WatchDir, tempDirName) }
func (p *Pipeline) errorDir() string { return filepath.Join(p.cfg.WatchDir, errorDirName) }

// Start prepares the watch directory and runs the poll loop until ctx is
// cancelled. The loop polls once immediately, then every PollInterval, and
// early whenever the directory watcher reports a new or changed file.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, dir := range []string{p.cfg.WatchDir, p.tempDir(), p.errorDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	p.clearTemp()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("directory watcher unavailable, polling only", "error", err)
		watcher = nil
	} else if err := watcher.Add(p.cfg.WatchDir); err != nil {
		p.logger.Warn("failed to watch directory, polling only", "dir", p.cfg.WatchDir, "error", err)
		watcher.Close()
		watcher = nil
	}

	go p.loop(ctx, watcher)

	p.logger.Info("ingestion pipeline started",
		"dir", p.cfg.WatchDir,
		"poll_interval", p.cfg.PollInterval,
		"pool_id", p.cfg.PoolID,
	)
	return nil
}

// Done is closed once the poll loop has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(p.done)

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.nudge:
			p.Poll(ctx)
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isAudio(evt.Name) {
				select {
				case p.nudge <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			p.logger.Warn("directory watcher error", "error", err)
		}
	}
}

// Poll runs one ingestion cycle. It returns false without doing anything
// when another cycle is still running.
func (p *Pipeline) Poll(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("poll skipped, previous cycle still running")
		return false
	}
	defer p.running.Store(false)

	names, err := p.pending()
	if err != nil {
		p.logger.Error("failed to list watch directory", "error", err)
		return true
	}
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		p.processFile(ctx, name)
	}
	return true
}

// pending lists audio files in the watch dir not yet handled. Handled
// names are only remembered while the file is still in the directory.
func (p *Pipeline) pending() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.WatchDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]struct{}, len(entries))
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !isAudio(name) {
			continue
		}
		present[name] = struct{}{}
		if _, ok := p.processed[name]; ok {
			continue
		}
		if _, ok := p.quarantined[name]; ok {
			continue
		}
		names = append(names, name)
	}

	for name := range p.processed {
		if _, ok := present[name]; !ok {
			delete(p.processed, name)
		}
	}
	for name := range p.quarantined {
		if _, ok := present[name]; !ok {
			delete(p.quarantined, name)
		}
	}
	return names, nil
}

func (p *Pipeline) processFile(ctx context.Context, name string) {
	path := filepath.Join(p.cfg.WatchDir, name)
	logger := p.logger.With("file", name)

	stable, err := p.stable(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("file vanished before processing")
			return
		}
		p.quarantine(name, atStage(StageStability, err))
		return
	}
	if !stable {
		p.deferred.Add(1)
		logger.Debug("file still being written, deferring")
		return
	}

	meta := ParseFilename(name)
	match, err := p.matcher.Match(ctx, meta)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.quarantine(name, atStage(StageMatch, err))
		return
	}

	if match.Call != nil && p.rules != nil {
		decision, err := p.rules.Evaluate(ctx, match.Call)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.quarantine(name, atStage(StageRules, err))
			return
		}
		if !decision.ShouldRecord {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove skipped recording", "error", err)
			}
			p.markProcessed(name)
			p.skipped.Add(1)
			logger.Info("recording discarded by rules",
				"call_id", match.Call.ID,
				"rule_id", decision.RuleID,
				"rule", decision.RuleName,
			)
			return
		}
	}

	rec, err := p.ingest(ctx, path, name, match)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown killed the subprocess; leave the file for the next run.
			logger.Info("ingestion interrupted by shutdown")
			return
		}
		p.quarantine(name, err)
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove ingested source", "error", err)
	}
	p.markProcessed(name)
	p.ingested.Add(1)

	attrs := []any{"recording_id", rec.ID, "confidence", rec.MatchConfidence, "duration", rec.DurationSeconds}
	if rec.MatchMethod != nil {
		attrs = append(attrs, "match", *rec.MatchMethod, "call_id", *rec.CallID)
	}
	logger.Info("recording ingested", attrs...)
}

// stable reports whether path has a non-zero size that did not change
// across the stability wait.
func (p *Pipeline) stable(ctx context.Context, path string) (bool, error) {
	before, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	timer := time.NewTimer(p.cfg.StabilityWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	after, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return after.Size() > 0 &&
		after.Size() == before.Size() &&
		after.ModTime().Equal(before.ModTime()), nil
}

// ingest transcodes the file, stores audio and peaks, and persists the
// Recording. Errors carry the stage they happened in.
func (p *Pipeline) ingest(ctx context.Context, path, name string, match Match) (*models.Recording, error) {
	info, err := p.audio.Inspect(ctx, path)
	if err != nil {
		return nil, atStage(StageProbe, err)
	}

	id := uuid.NewString()
	createdAt := p.nowFunc().UTC()

	tmp := filepath.Join(p.tempDir(), id+audio.StoredExt)
	defer os.Remove(tmp)

	res, err := p.audio.Transcode(ctx, path, tmp)
	if err != nil {
		return nil, atStage(StageTranscode, err)
	}

	peaks, err := p.audio.Peaks(ctx, tmp, p.cfg.PeaksCount)
	if err != nil {
		return nil, atStage(StagePeaks, err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, atStage(StageTranscode, fmt.Errorf("reading transcoded file: %w", err))
	}
	sum := blake3.Sum256(data)

	peaksJSON, err := json.Marshal(peaks)
	if err != nil {
		return nil, atStage(StagePeaks, fmt.Errorf("encoding peaks: %w", err))
	}

	audioPath := storage.RecordingPath(createdAt, id, audio.StoredExt)
	peaksPath := storage.PeaksPath(createdAt, id)

	if err := p.store.WriteFile(ctx, p.cfg.PoolID, audioPath, data); err != nil {
		return nil, atStage(StageStore, err)
	}
	if err := p.store.WriteFile(ctx, p.cfg.PoolID, peaksPath, peaksJSON); err != nil {
		p.discard(ctx, audioPath)
		return nil, atStage(StageStore, err)
	}

	duration := res.DurationSeconds
	if duration == 0 {
		duration = info.DurationSeconds
	}
	rec := &models.Recording{
		ID:               id,
		PoolID:           p.cfg.PoolID,
		StoragePath:      audioPath,
		PeaksPath:        peaksPath,
		OriginalFilename: name,
		OriginalCodec:    info.Codec,
		StoredCodec:      audio.StoredCodec,
		DurationSeconds:  duration,
		FileSize:         int64(len(data)),
		Checksum:         "blake3:" + hex.EncodeToString(sum[:]),
		MatchConfidence:  match.Confidence,
		CreatedAt:        createdAt,
	}
	if match.Call != nil {
		callID := match.Call.ID
		method := match.Method
		rec.CallID = &callID
		rec.MatchMethod = &method
	}

	if err := p.recordings.Create(ctx, rec); err != nil {
		p.discard(ctx, audioPath)
		p.discard(ctx, peaksPath)
		return nil, atStage(StagePersist, err)
	}

	if rec.CallID != nil {
		// The recording row exists at this point; a failed flag is logged
		// rather than quarantining a file that has already been stored.
		if err := p.calls.MarkRecorded(ctx, *rec.CallID); err != nil {
			p.logger.Warn("failed to flag call as recorded", "call_id", *rec.CallID, "recording_id", id, "error", err)
		}
	}
	return rec, nil
}

// discard removes an object written by a failed ingestion.
func (p *Pipeline) discard(ctx context.Context, name string) {
	if err := p.store.DeleteFile(ctx, p.cfg.PoolID, name); err != nil {
		p.logger.Warn("failed to remove partial recording object", "path", name, "error", err)
	}
}

func (p *Pipeline) markProcessed(name string) {
	p.mu.Lock()
	p.processed[name] = struct{}{}
	p.mu.Unlock()
	p.processedN.Add(1)
}

// clearTemp removes artifacts left behind by an interrupted run.
func (p *Pipeline) clearTemp() {
	entries, err := os.ReadDir(p.tempDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.tempDir(), e.Name())); err != nil {
			p.logger.Warn("failed to clear temp artifact", "file", e.Name(), "error", err)
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processedN.Load(),
		Skipped:   p.skipped.Load(),
		Ingested:  p.ingested.Load(),
		Errors:    p.errors.Load(),
		Deferred:  p.deferred.Load(),
	}
}

// Running reports whether a poll cycle is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

func isAudio(name string) bool {
	return slices.Contains(audioExts, strings.ToLower(filepath.Ext(name)))
}
