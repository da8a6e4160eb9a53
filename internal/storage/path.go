package storage

import (
	"fmt"
	"strings"
	"time"
)

// RecordingPath returns the object name for a recording:
// YYYY/MM/DD/<id>.<ext>, dated by createdAt in UTC.
func RecordingPath(createdAt time.Time, id, ext string) string {
	return datePrefix(createdAt) + id + "." + strings.TrimPrefix(ext, ".")
}

// PeaksPath returns the waveform sidecar name for a recording.
func PeaksPath(createdAt time.Time, id string) string {
	return datePrefix(createdAt) + id + ".peaks.json"
}

func datePrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/", t.Year(), t.Month(), t.Day())
}
