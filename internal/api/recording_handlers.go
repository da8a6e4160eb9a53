package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calldoc/calldoc/internal/audio"
	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/storage"
)

// recordingResponse is the JSON response for a single recording.
type recordingResponse struct {
	ID               string  `json:"id"`
	PoolID           int64   `json:"pool_id"`
	CallID           *int64  `json:"call_id"`
	OriginalFilename string  `json:"original_filename"`
	OriginalCodec    string  `json:"original_codec"`
	StoredCodec      string  `json:"stored_codec"`
	DurationSeconds  float64 `json:"duration_seconds"`
	FileSize         int64   `json:"file_size"`
	Checksum         string  `json:"checksum"`
	MatchMethod      *string `json:"match_method"`
	MatchConfidence  int     `json:"match_confidence"`
	CreatedAt        string  `json:"created_at"`
}

func toRecordingResponse(rec *models.Recording) recordingResponse {
	return recordingResponse{
		ID:               rec.ID,
		PoolID:           rec.PoolID,
		CallID:           rec.CallID,
		OriginalFilename: rec.OriginalFilename,
		OriginalCodec:    rec.OriginalCodec,
		StoredCodec:      rec.StoredCodec,
		DurationSeconds:  rec.DurationSeconds,
		FileSize:         rec.FileSize,
		Checksum:         rec.Checksum,
		MatchMethod:      rec.MatchMethod,
		MatchConfidence:  rec.MatchConfidence,
		CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListRecordings returns live recordings, newest first.
// Query params: limit, offset, call_id, unmatched, start_date, end_date.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.RecordingListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Unmatched: q.Get("unmatched") == "true",
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if v := q.Get("call_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "call_id must be an integer")
			return
		}
		filter.CallID = &id
	}
	for _, d := range []string{filter.StartDate, filter.EndDate} {
		if d != "" && !validDate(d) {
			writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD or RFC3339")
			return
		}
	}

	recs, total, err := s.Recordings.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list recordings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingResponse, len(recs))
	for i := range recs {
		items[i] = toRecordingResponse(&recs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetRecording returns metadata for a single recording.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleDeleteRecording removes the audio and peaks objects and soft-deletes
// the row.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}

	for _, name := range []string{rec.StoragePath, rec.PeaksPath} {
		if name == "" {
			continue
		}
		if err := s.Storage.DeleteFile(r.Context(), rec.PoolID, name); err != nil {
			s.writeStorageError(w, "delete recording", err)
			return
		}
	}
	if err := s.Recordings.SoftDelete(r.Context(), rec.ID); err != nil {
		s.logger.Error("delete recording: failed to update row", "error", err, "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording deleted", "recording_id", rec.ID, "pool_id", rec.PoolID)
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamRecording serves the stored audio with byte-range support so
// players can seek.
func (s *Server) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	info, err := s.Storage.Stat(ctx, rec.PoolID, rec.StoragePath)
	if err != nil {
		s.writeStorageError(w, "stream recording", err)
		return
	}

	rng, err := storage.ParseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}

	rc, info, err := s.Storage.ReadFileStream(ctx, rec.PoolID, rec.StoragePath, rng)
	if err != nil {
		s.writeStorageError(w, "stream recording", err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", info.ContentType)
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", rec.ID+path.Ext(rec.StoragePath)))
	if rec.Checksum != "" {
		h.Set("ETag", strconv.Quote(rec.Checksum))
	}
	if !info.ModTime.IsZero() {
		h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	length := info.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.Length()
		h.Set("Content-Range", rng.ContentRange(info.Size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if _, err := io.Copy(w, rc); err != nil {
		// Players abort range requests routinely while seeking.
		s.logger.Debug("stream recording: copy ended early", "recording_id", rec.ID, "error", err)
	}
}

// handleRecordingPeaks returns the stored waveform peaks.
func (s *Server) handleRecordingPeaks(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	if rec.PeaksPath == "" {
		writeError(w, http.StatusNotFound, "peaks not found")
		return
	}

	data, err := s.Storage.ReadFile(r.Context(), rec.PoolID, rec.PeaksPath)
	if err != nil {
		s.writeStorageError(w, "recording peaks", err)
		return
	}
	if !json.Valid(data) {
		s.logger.Error("recording peaks: stored sidecar is not json", "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recording_id": rec.ID,
		"peaks":        json.RawMessage(data),
	})
}

// handleRecordingClip extracts part of a recording.
// Query params: start_ms, end_ms (both required).
func (s *Server) handleRecordingClip(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	if s.Clipper == nil {
		writeError(w, http.StatusServiceUnavailable, "clip extraction unavailable")
		return
	}

	startMs, endMs, errMsg := parseClipRange(r, rec.DurationSeconds)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	ctx := r.Context()

	ext := path.Ext(rec.StoragePath)
	src, err := os.CreateTemp(s.TempDir, "clip-src-*"+ext)
	if err != nil {
		s.logger.Error("clip: failed to create temp file", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer os.Remove(src.Name())

	rc, _, err := s.Storage.ReadFileStream(ctx, rec.PoolID, rec.StoragePath, nil)
	if err != nil {
		src.Close()
		s.writeStorageError(w, "clip", err)
		return
	}
	_, copyErr := io.Copy(src, rc)
	rc.Close()
	if closeErr := src.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		s.logger.Error("clip: failed to stage source", "error", copyErr, "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := strings.TrimSuffix(src.Name(), ext) + "-out" + audio.StoredExt
	defer os.Remove(out)

	if err := s.Clipper.ExtractClip(ctx, src.Name(), out, startMs, endMs); err != nil {
		s.logger.Error("clip: extraction failed", "error", err, "recording_id", rec.ID, "start_ms", startMs, "end_ms", endMs)
		writeError(w, http.StatusInternalServerError, "clip extraction failed")
		return
	}

	f, err := os.Open(out)
	if err != nil {
		s.logger.Error("clip: failed to open output", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	name := fmt.Sprintf("%s_%d-%d%s", rec.ID, startMs, endMs, audio.StoredExt)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, time.Time{}, f)
}

// parseClipRange validates start_ms and end_ms against the recording length.
func parseClipRange(r *http.Request, durationSeconds float64) (int64, int64, string) {
	q := r.URL.Query()
	startMs, err := strconv.ParseInt(q.Get("start_ms"), 10, 64)
	if err != nil || startMs < 0 {
		return 0, 0, "start_ms must be a non-negative integer"
	}
	endMs, err := strconv.ParseInt(q.Get("end_ms"), 10, 64)
	if err != nil || endMs <= startMs {
		return 0, 0, "end_ms must be an integer greater than start_ms"
	}
	if durationSeconds > 0 {
		total := int64(durationSeconds * 1000)
		if startMs >= total {
			return 0, 0, "start_ms is past the end of the recording"
		}
		endMs = min(endMs, total)
	}
	return startMs, endMs, ""
}

// loadRecording resolves the {id} URL parameter, writing 404 when the
// recording does not exist.
func (s *Server) loadRecording(w http.ResponseWriter, r *http.Request) (*models.Recording, bool) {
	id := chi.URLParam(r, "id")
	rec, err := s.Recordings.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load recording", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "recording not found")
		return nil, false
	}
	return rec, true
}

func validDate(s string) bool {
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}
