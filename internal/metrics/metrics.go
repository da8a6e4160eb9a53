package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calldoc/calldoc/internal/cdr"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/ingest"
)

// ListenerStats exposes SMDR listener counters.
type ListenerStats interface {
	RecordCount() int64
	ActiveConnections() int64
}

// WriterStats exposes CDR writer counters.
type WriterStats interface {
	Stats() cdr.Stats
}

// IngestStats exposes ingestion pipeline counters.
type IngestStats interface {
	Stats() ingest.Stats
}

// CDRDirectionCounter returns CDR counts grouped by direction.
type CDRDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// RecordingCounter returns the number of live recordings.
type RecordingCounter interface {
	CountAll(ctx context.Context) (int64, error)
}

// PoolLister lists storage pools with their usage counters.
type PoolLister interface {
	List(ctx context.Context) ([]models.StoragePool, error)
}

// Providers groups the metric sources. Any of them may be nil.
type Providers struct {
	Listener   ListenerStats
	Writer     WriterStats
	Ingest     IngestStats
	CDRs       CDRDirectionCounter
	Recordings RecordingCounter
	Pools      PoolLister
}

// Collector is a prometheus.Collector that gathers CallDoc metrics at scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	smdrConnectionsDesc *prometheus.Desc
	smdrLinesDesc       *prometheus.Desc
	cdrsWrittenDesc     *prometheus.Desc
	cdrsTotalDesc       *prometheus.Desc
	ingestFilesDesc     *prometheus.Desc
	recordingsDesc      *prometheus.Desc
	poolUsedDesc        *prometheus.Desc
	poolCapacityDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		smdrConnectionsDesc: prometheus.NewDesc(
			"calldoc_smdr_connections_active",
			"Number of open SMDR feed connections",
			nil, nil,
		),
		smdrLinesDesc: prometheus.NewDesc(
			"calldoc_smdr_lines_received_total",
			"Total SMDR lines received from the PBX",
			nil, nil,
		),
		cdrsWrittenDesc: prometheus.NewDesc(
			"calldoc_cdr_lines_total",
			"SMDR lines handled by the CDR writer, by outcome",
			[]string{"outcome"}, nil,
		),
		cdrsTotalDesc: prometheus.NewDesc(
			"calldoc_cdrs_stored",
			"Stored call detail records by direction",
			[]string{"direction"}, nil,
		),
		ingestFilesDesc: prometheus.NewDesc(
			"calldoc_ingest_files_total",
			"Recording files handled by the ingestion pipeline, by outcome",
			[]string{"outcome"}, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"calldoc_recordings",
			"Number of live recordings",
			nil, nil,
		),
		poolUsedDesc: prometheus.NewDesc(
			"calldoc_storage_pool_used_bytes",
			"Bytes accounted to a storage pool",
			[]string{"pool_id", "name", "type"}, nil,
		),
		poolCapacityDesc: prometheus.NewDesc(
			"calldoc_storage_pool_capacity_bytes",
			"Configured storage pool quota (0 = unbounded)",
			[]string{"pool_id", "name", "type"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"calldoc_uptime_seconds",
			"Seconds since the CallDoc process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.smdrConnectionsDesc
	ch <- c.smdrLinesDesc
	ch <- c.cdrsWrittenDesc
	ch <- c.cdrsTotalDesc
	ch <- c.ingestFilesDesc
	ch <- c.recordingsDesc
	ch <- c.poolUsedDesc
	ch <- c.poolCapacityDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l := c.p.Listener; l != nil {
		ch <- prometheus.MustNewConstMetric(c.smdrConnectionsDesc, prometheus.GaugeValue, float64(l.ActiveConnections()))
		ch <- prometheus.MustNewConstMetric(c.smdrLinesDesc, prometheus.CounterValue, float64(l.RecordCount()))
	}

	if w := c.p.Writer; w != nil {
		st := w.Stats()
		for outcome, n := range map[string]int64{
			"accepted": st.Accepted,
			"rejected": st.Rejected,
			"failed":   st.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.cdrsWrittenDesc, prometheus.CounterValue, float64(n), outcome)
		}
	}

	if c.p.CDRs != nil {
		counts, err := c.p.CDRs.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(c.cdrsTotalDesc, prometheus.GaugeValue, float64(counts[dir]), dir)
			}
		}
	}

	if in := c.p.Ingest; in != nil {
		st := in.Stats()
		for outcome, n := range map[string]int64{
			"ingested": st.Ingested,
			"skipped":  st.Skipped,
			"error":    st.Errors,
			"deferred": st.Deferred,
		} {
			ch <- prometheus.MustNewConstMetric(c.ingestFilesDesc, prometheus.CounterValue, float64(n), outcome)
		}
	}

	if c.p.Recordings != nil {
		count, err := c.p.Recordings.CountAll(ctx)
		if err != nil {
			slog.Error("metrics: failed to count recordings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.recordingsDesc, prometheus.GaugeValue, float64(count))
		}
	}

	// One used/capacity pair per pool.
	if c.p.Pools != nil {
		pools, err := c.p.Pools.List(ctx)
		if err != nil {
			slog.Error("metrics: failed to list storage pools", "error", err)
		} else {
			for _, pool := range pools {
				id := strconv.FormatInt(pool.ID, 10)
				ch <- prometheus.MustNewConstMetric(c.poolUsedDesc, prometheus.GaugeValue,
					float64(pool.CurrentSizeBytes), id, pool.Name, pool.Type)
				ch <- prometheus.MustNewConstMetric(c.poolCapacityDesc, prometheus.GaugeValue,
					float64(pool.MaxSizeBytes), id, pool.Name, pool.Type)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
