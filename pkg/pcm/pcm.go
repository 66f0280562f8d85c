// Package pcm holds the pure sample-format conversions shared by the
// capture and playback pipelines: float/int16 PCM conversion, nearest
// neighbour resampling and the base64 framing used on the wire.
package pcm

import (
	"encoding/base64"
	"math"
)

const (
	// negFullScale and posFullScale are the int16 scaling constants.
	// Negative samples map through 0x8000 and non-negative through 0x7FFF;
	// the remote endpoint expects exactly this asymmetric mapping, so it
	// must not be "simplified" to a symmetric one.
	negFullScale = 0x8000
	posFullScale = 0x7FFF
)

// FloatToInt16 converts float samples in [-1, 1] to int16 PCM. Input is
// clamped before scaling.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		if s < 0 {
			out[i] = int16(s * negFullScale)
		} else {
			out[i] = int16(s * posFullScale)
		}
	}
	return out
}

// Int16ToFloat converts int16 PCM to float samples. The symmetric inverse
// (divide by 0x8000) is used; an exact inverse of FloatToInt16 is not
// required.
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / negFullScale
	}
	return out
}

// Resample converts samples between rates by nearest neighbour lookup.
// Equal rates return the input unchanged. No anti-aliasing filter is
// applied; for speech chunks at these rates the quality trade-off is
// acceptable and keeps the per-frame cost trivial.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		src := int(math.Round(float64(i) * ratio))
		if src >= len(samples) {
			src = len(samples) - 1
		}
		out[i] = samples[src]
	}
	return out
}

// Int16ToBytes packs int16 samples into little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// BytesToInt16 unpacks little-endian bytes into int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// EncodeBase64 encodes bytes with the standard alphabet, no line wrapping.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a standard-alphabet base64 string.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
