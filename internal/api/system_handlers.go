package api

import (
	"fmt"
	"net/http"
	"time"
)

// statsResponse is the shape returned by GET /stats.
type statsResponse struct {
	SMDR       *smdrStatsResponse   `json:"smdr"`
	CDRs       cdrStatsResponse     `json:"cdrs"`
	Ingest     *ingestStatsResponse `json:"ingest"`
	Recordings *int64               `json:"recordings"`
	Uptime     uptimeResponse       `json:"uptime"`
}

type smdrStatsResponse struct {
	ActiveConnections int64 `json:"active_connections"`
	LinesReceived     int64 `json:"lines_received"`
}

type cdrStatsResponse struct {
	Accepted    int64            `json:"accepted"`
	Rejected    int64            `json:"rejected"`
	Failed      int64            `json:"failed"`
	ByDirection map[string]int64 `json:"by_direction,omitempty"`
}

type ingestStatsResponse struct {
	Processed int64 `json:"processed"`
	Ingested  int64 `json:"ingested"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
	Deferred  int64 `json:"deferred"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStats aggregates the listener, writer and ingestion counters with
// stored record counts. Sections whose provider is absent are null.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statsResponse

	if s.Listener != nil {
		resp.SMDR = &smdrStatsResponse{
			ActiveConnections: s.Listener.ActiveConnections(),
			LinesReceived:     s.Listener.RecordCount(),
		}
	}

	if s.Writer != nil {
		st := s.Writer.Stats()
		resp.CDRs.Accepted = st.Accepted
		resp.CDRs.Rejected = st.Rejected
		resp.CDRs.Failed = st.Failed
	}
	if s.CDRs != nil {
		counts, err := s.CDRs.CountByDirection(ctx)
		if err != nil {
			s.logger.Error("stats: failed to count cdrs", "error", err)
		} else {
			resp.CDRs.ByDirection = counts
		}
	}

	if s.Ingest != nil {
		st := s.Ingest.Stats()
		resp.Ingest = &ingestStatsResponse{
			Processed: st.Processed,
			Ingested:  st.Ingested,
			Skipped:   st.Skipped,
			Errors:    st.Errors,
			Deferred:  st.Deferred,
		}
	}

	if s.Recordings != nil {
		n, err := s.Recordings.CountAll(ctx)
		if err != nil {
			s.logger.Error("stats: failed to count recordings", "error", err)
		} else {
			resp.Recordings = &n
		}
	}

	started := s.StartTime
	if started.IsZero() {
		started = time.Now()
	}
	uptime := time.Since(started)
	resp.Uptime = uptimeResponse{
		StartedAt:  started.UTC().Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
