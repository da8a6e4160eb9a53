// Package cdr persists parsed SMDR records and announces them to call
// aggregation.
package cdr

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/smdr"
)

// Stats holds writer counters.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// Writer consumes listener records, persists every accepted CDR once and
// publishes a correlation event for it.
type Writer struct {
	cdrs       database.CDRRepository
	publisher  Publisher
	parser     smdr.Parser
	sourceType string
	logger     *slog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewWriter creates a Writer. publisher may be nil.
func NewWriter(cdrs database.CDRRepository, publisher Publisher, parser smdr.Parser, sourceType string, logger *slog.Logger) *Writer {
	return &Writer{
		cdrs:       cdrs,
		publisher:  publisher,
		parser:     parser,
		sourceType: sourceType,
		logger:     logger.With("subsystem", "cdr"),
	}
}

// Run handles records until the channel is closed or ctx is done.
func (w *Writer) Run(ctx context.Context, records <-chan smdr.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := w.Handle(ctx, rec); err != nil {
				w.logger.Error("handling smdr record", "error", err, "remote", rec.RemoteAddr)
			}
		}
	}
}

// Handle parses and persists one record. A line that is not a call record
// is counted and dropped without error. A publish failure is logged but does
// not fail the record, since the CDR is already stored.
func (w *Writer) Handle(ctx context.Context, rec smdr.Record) error {
	c, ok := w.parser.Parse(rec.Line)
	if !ok {
		w.rejected.Add(1)
		w.logger.Debug("ignoring non-cdr line", "remote", rec.RemoteAddr, "line", rec.Line)
		return nil
	}
	c.SourceType = w.sourceType

	if err := w.cdrs.Create(ctx, c); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("persisting cdr for call %d: %w", c.CallID, err)
	}
	w.accepted.Add(1)

	if w.publisher == nil {
		return nil
	}
	if err := w.publisher.Publish(ctx, NewCorrelationEvent(c)); err != nil {
		w.logger.Warn("publishing correlation event", "error", err, "cdr_id", c.ID, "call_id", c.CallID)
	}
	return nil
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Accepted: w.accepted.Load(),
		Rejected: w.rejected.Load(),
		Failed:   w.failed.Load(),
	}
}
