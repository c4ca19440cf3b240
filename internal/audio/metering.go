// Package audio provides PCM level metering, gain scaling and silence detection
// for interleaved S16LE buffers.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MinDB is the floor of the dB scale (treated as silence).
	MinDB = -60.0
	// MaxSampleValue is the full-scale magnitude of a 16-bit signed sample.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below full scale to catch near-clips.
	ClipThreshold int16 = 32760
)

// Level returns the RMS of all samples in pcm normalized to 0..1.
// An empty buffer yields 0.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += s * s
	}
	return min(1, math.Sqrt(sum/float64(n))/MaxSampleValue)
}

// LevelDB converts a normalized level to dBFS, clamped at MinDB.
func LevelDB(level float64) float64 {
	if level <= 0 {
		return MinDB
	}
	return max(20*math.Log10(level), MinDB)
}

// Peak returns the largest absolute sample normalized to 0..1 and the number of clipped samples.
func Peak(pcm []byte) (peak float64, clipped int) {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if s >= ClipThreshold || s <= -ClipThreshold {
			clipped++
		}
		peak = max(peak, math.Abs(float64(s)))
	}
	return min(1, peak/MaxSampleValue), clipped
}

// ScaleS16 returns a copy of pcm with every sample multiplied by gain and clamped to int16.
func ScaleS16(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm)&^1)
	if gain == 1 {
		copy(out, pcm)
		return out
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		s = max(math.MinInt16, min(math.MaxInt16, math.Round(s)))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(s)))
	}
	return out
}
