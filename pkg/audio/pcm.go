// Package audio provides PCM16 helpers and an Opus codec for the WebRTC
// transport.
package audio

import "math"

// Resample converts mono PCM16 samples between sample rates using linear
// interpolation. It is adequate for speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return []int16{}
	}

	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// ResampleBytes resamples mono PCM16 little-endian bytes.
func ResampleBytes(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), fromRate, toRate))
}

// BytesToSamples decodes PCM16 little-endian bytes. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	return samples
}

// SamplesToBytes encodes samples as PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

// StereoToMono averages interleaved stereo samples.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return mono
}

// MonoToStereo duplicates each sample into both channels.
func MonoToStereo(samples []int16) []int16 {
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}

// RMS returns the root mean square of samples normalized to 0.0-1.0.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Loudness floor and ceiling in dBFS used by Volume.
const (
	minLoudnessDB = -70.0
	maxLoudnessDB = -10.0
)

// Volume maps the RMS level of samples onto 0.0-1.0, linear in dBFS
// between -70 and -10.
func Volume(samples []int16) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	v := (db - minLoudnessDB) / (maxLoudnessDB - minLoudnessDB)
	return math.Max(0, math.Min(1, v))
}

// ExpSmoothing blends value into prev with weight factor.
func ExpSmoothing(value, prev, factor float64) float64 {
	return prev + factor*(value-prev)
}
