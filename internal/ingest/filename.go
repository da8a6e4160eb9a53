package ingest

import (
	"path/filepath"
	"strings"
	"time"
)

// FileMeta is what a recorder embeds in a file name of the form
// {callId}_{extension}_{timestamp}.{ext}. Any field may be nil.
type FileMeta struct {
	CallID    *string
	Extension *string
	Timestamp *time.Time
}

// timestampLayouts are tried in order. Recorders that cannot put colons in
// file names use the dashed variants.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15-04-05.000Z07:00",
	"2006-01-02T15-04-05Z07:00",
	"2006-01-02T15-04-05.000Z",
	"2006-01-02T15-04-05Z",
	"20060102T150405Z",
	"20060102150405",
}

// ParseFilename extracts metadata from a recording file name. Names with
// fewer than three underscore-separated segments carry no metadata.
func ParseFilename(name string) FileMeta {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return FileMeta{}
	}

	var meta FileMeta
	if s := strings.TrimSpace(parts[0]); s != "" {
		meta.CallID = &s
	}
	if s := strings.TrimSpace(parts[1]); s != "" {
		meta.Extension = &s
	}
	if ts, ok := parseTimestamp(strings.Join(parts[2:], "_")); ok {
		meta.Timestamp = &ts
	}
	return meta
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
