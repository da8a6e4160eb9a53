package audio

import (
	"encoding/binary"
	"math"
)

// blockSamples is the granularity at which PCM energy is accumulated
// before being merged into the requested number of windows (10 ms at
// 8 kHz).
const blockSamples = 80

type block struct {
	sumSquares float64
	samples    int
}

// peakAccumulator consumes little-endian signed 16-bit PCM as an io.Writer
// and keeps per-block energy, so memory grows with duration/10ms rather
// than with the sample count.
type peakAccumulator struct {
	blocks  []block
	cur     block
	partial []byte // odd trailing byte between writes
}

func newPeakAccumulator() *peakAccumulator {
	return &peakAccumulator{}
}

func (a *peakAccumulator) Write(p []byte) (int, error) {
	n := len(p)
	if len(a.partial) > 0 {
		p = append(a.partial, p...)
		a.partial = nil
	}
	for len(p) >= 2 {
		s := float64(int16(binary.LittleEndian.Uint16(p))) / 32768
		a.cur.sumSquares += s * s
		a.cur.samples++
		if a.cur.samples == blockSamples {
			a.blocks = append(a.blocks, a.cur)
			a.cur = block{}
		}
		p = p[2:]
	}
	if len(p) == 1 {
		a.partial = []byte{p[0]}
	}
	return n, nil
}

// peaks merges the blocks into count RMS windows and max-normalises them.
// With fewer blocks than windows, blocks are repeated to fill the count.
func (a *peakAccumulator) peaks(count int) []float64 {
	blocks := a.blocks
	if a.cur.samples > 0 {
		blocks = append(blocks, a.cur)
	}

	out := make([]float64, count)
	n := len(blocks)
	if n == 0 {
		return out
	}

	for i := range out {
		lo := i * n / count
		hi := (i + 1) * n / count
		if hi <= lo {
			hi = lo + 1
		}
		var sum float64
		var samples int
		for _, b := range blocks[lo:hi] {
			sum += b.sumSquares
			samples += b.samples
		}
		if samples > 0 {
			out[i] = math.Sqrt(sum / float64(samples))
		}
	}

	var loudest float64
	for _, v := range out {
		loudest = math.Max(loudest, v)
	}
	if loudest == 0 {
		return out
	}
	for i := range out {
		out[i] /= loudest
	}
	return out
}
