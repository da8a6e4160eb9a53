// Package audio wraps ffprobe and ffmpeg for duration probes, transcoding,
// waveform peaks and clip extraction.
package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Telephony-grade output settings.
const (
	SampleRate  = 8000
	Bitrate     = "16k"
	StoredCodec = "mp3"
	StoredExt   = ".mp3"
)

// MediaInfo is what ffprobe reports about a file.
type MediaInfo struct {
	DurationSeconds float64
	Codec           string
}

// TranscodeResult describes a transcoded file.
type TranscodeResult struct {
	Path            string
	DurationSeconds float64
	Size            int64
}

// Processor runs ffmpeg and ffprobe.
type Processor struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// NewProcessor creates a Processor using the given binaries.
func NewProcessor(ffmpegBin, ffprobeBin string, logger *slog.Logger) *Processor {
	return &Processor{
		ffmpeg:  ffmpegBin,
		ffprobe: ffprobeBin,
		logger:  logger.With("subsystem", "audio"),
	}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// Inspect returns the duration and first audio codec of path.
func (p *Processor) Inspect(ctx context.Context, path string) (MediaInfo, error) {
	var out bytes.Buffer
	err := run(ctx, "ffprobe", &out, p.ffprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "format=duration:stream=codec_name",
		"-of", "json",
		path,
	)
	if err != nil {
		return MediaInfo{}, err
	}
	return parseProbe(out.Bytes())
}

func parseProbe(data []byte) (MediaInfo, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return MediaInfo{}, fmt.Errorf("decoding ffprobe output: %w", err)
	}
	var info MediaInfo
	if po.Format.Duration != "" && po.Format.Duration != "N/A" {
		d, err := strconv.ParseFloat(strings.TrimSpace(po.Format.Duration), 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("parsing duration %q: %w", po.Format.Duration, err)
		}
		info.DurationSeconds = d
	}
	if len(po.Streams) > 0 {
		info.Codec = po.Streams[0].CodecName
	}
	return info, nil
}

// Probe returns the duration of path in seconds.
func (p *Processor) Probe(ctx context.Context, path string) (float64, error) {
	info, err := p.Inspect(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.DurationSeconds, nil
}

// Transcode converts in to mono MP3 at 8 kHz and 16 kbps, writing out.
func (p *Processor) Transcode(ctx context.Context, in, out string) (TranscodeResult, error) {
	err := run(ctx, "ffmpeg transcode", nil, p.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", in,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(SampleRate),
		"-codec:a", "libmp3lame", "-b:a", Bitrate,
		out,
	)
	if err != nil {
		return TranscodeResult{}, err
	}

	fi, err := os.Stat(out)
	if err != nil {
		return TranscodeResult{}, fmt.Errorf("stat transcoded file: %w", err)
	}
	dur, err := p.Probe(ctx, out)
	if err != nil {
		return TranscodeResult{}, err
	}
	p.logger.Debug("transcoded", "in", filepath.Base(in), "bytes", fi.Size(), "duration", dur)
	return TranscodeResult{Path: out, DurationSeconds: dur, Size: fi.Size()}, nil
}

// Peaks decodes path to 16-bit mono PCM at 8 kHz and returns count RMS
// values normalised so the loudest window is 1.
func (p *Processor) Peaks(ctx context.Context, path string, count int) ([]float64, error) {
	if count <= 0 {
		return nil, fmt.Errorf("peaks count must be positive, got %d", count)
	}
	acc := newPeakAccumulator()
	err := run(ctx, "ffmpeg peaks", acc, p.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(SampleRate),
		"-f", "s16le", "-acodec", "pcm_s16le",
		"pipe:1",
	)
	if err != nil {
		return nil, err
	}
	return acc.peaks(count), nil
}

// ExtractClip writes the part of in between startMs and endMs to out. When
// in and out share a container the streams are copied, otherwise the clip
// is re-encoded with the stored settings.
func (p *Processor) ExtractClip(ctx context.Context, in, out string, startMs, endMs int64) error {
	if startMs < 0 || endMs <= startMs {
		return fmt.Errorf("invalid clip range %d-%d ms", startMs, endMs)
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-ss", msToSeconds(startMs),
		"-i", in,
		"-t", msToSeconds(endMs - startMs),
	}
	if strings.EqualFold(filepath.Ext(in), filepath.Ext(out)) {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, "-vn", "-ac", "1", "-ar", strconv.Itoa(SampleRate), "-codec:a", "libmp3lame", "-b:a", Bitrate)
	}
	args = append(args, out)
	return run(ctx, "ffmpeg clip", nil, p.ffmpeg, args...)
}

func msToSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
