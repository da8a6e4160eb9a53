package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calldoc/calldoc/internal/audio"
)

// Processing stages reported in quarantine sidecars.
const (
	StageStability = "stability"
	StageMatch     = "match"
	StageRules     = "rules"
	StageProbe     = "probe"
	StageTranscode = "transcode"
	StagePeaks     = "peaks"
	StageStore     = "store"
	StagePersist   = "persist"
)

// ErrorInfo is written next to a quarantined file as <name>.error.json.
type ErrorInfo struct {
	Filename string    `json:"filename"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

// stageError tags an error with the stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// quarantine moves name out of the watch dir into the error dir with a
// timestamp prefix and writes the error sidecar beside it.
func (p *Pipeline) quarantine(name string, cause error) {
	now := p.nowFunc().UTC()
	src := filepath.Join(p.cfg.WatchDir, name)
	dst := filepath.Join(p.errorDir(), fmt.Sprintf("%d_%s", now.UnixMilli(), name))

	info := ErrorInfo{Filename: name, Stage: "unknown", Error: cause.Error(), Time: now}
	var se *stageError
	if errors.As(cause, &se) {
		info.Stage = se.stage
		info.Error = se.err.Error()
	}
	var execErr *audio.ExecError
	if errors.As(cause, &execErr) && execErr.ExitCode >= 0 {
		code := execErr.ExitCode
		info.ExitCode = &code
	}

	p.mu.Lock()
	p.quarantined[name] = struct{}{}
	p.mu.Unlock()
	p.errors.Add(1)

	p.logger.Error("recording quarantined", "file", name, "stage", info.Stage, "error", info.Error)

	if err := os.Rename(src, dst); err != nil {
		p.logger.Error("failed to move file to quarantine", "file", name, "error", err)
		return
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		p.logger.Error("failed to encode quarantine sidecar", "file", name, "error", err)
		return
	}
	if err := os.WriteFile(dst+".error.json", data, 0o644); err != nil {
		p.logger.Error("failed to write quarantine sidecar", "file", name, "error", err)
	}
}
