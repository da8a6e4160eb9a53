package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calldoc/calldoc/internal/cdr"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/ingest"
)

type fakeListener struct{}

func (fakeListener) RecordCount() int64       { return 42 }
func (fakeListener) ActiveConnections() int64 { return 2 }

type fakeWriter struct{}

func (fakeWriter) Stats() cdr.Stats { return cdr.Stats{Accepted: 40, Rejected: 2} }

type fakeIngest struct{}

func (fakeIngest) Stats() ingest.Stats { return ingest.Stats{Ingested: 5, Errors: 1} }

type fakePools struct{}

func (fakePools) List(context.Context) ([]models.StoragePool, error) {
	return []models.StoragePool{{ID: 1, Name: "default", Type: "local", CurrentSizeBytes: 1024, MaxSizeBytes: 4096}}, nil
}

type failingCounter struct{}

func (failingCounter) CountAll(context.Context) (int64, error) {
	return 0, errors.New("database is locked")
}

// gather returns metric values keyed by name plus the first label value.
func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	out := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				key += "/" + labels[0].GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestCollector(t *testing.T) {
	c := NewCollector(Providers{
		Listener:   fakeListener{},
		Writer:     fakeWriter{},
		Ingest:     fakeIngest{},
		Recordings: failingCounter{},
		Pools:      fakePools{},
	}, time.Now().Add(-time.Minute))

	got := gather(t, c)

	want := map[string]float64{
		"calldoc_smdr_connections_active":             2,
		"calldoc_smdr_lines_received_total":           42,
		"calldoc_cdr_lines_total/accepted":            40,
		"calldoc_cdr_lines_total/rejected":            2,
		"calldoc_ingest_files_total/ingested":         5,
		"calldoc_ingest_files_total/error":            1,
		"calldoc_storage_pool_used_bytes/default":     1024,
		"calldoc_storage_pool_capacity_bytes/default": 4096,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["calldoc_recordings"]; ok {
		t.Error("recordings gauge emitted despite counter error")
	}
	if got["calldoc_uptime_seconds"] < 60 {
		t.Errorf("uptime = %v, want >= 60", got["calldoc_uptime_seconds"])
	}
}

func TestCollectorNilProviders(t *testing.T) {
	got := gather(t, NewCollector(Providers{}, time.Now()))
	if len(got) != 1 {
		t.Errorf("metrics = %v, want only uptime", got)
	}
}
