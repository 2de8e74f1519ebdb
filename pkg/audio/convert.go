package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Float32ToPCM16 converts mono float samples in [-1, 1] to little-endian int16
// PCM. Samples outside the range are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM to float samples in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// RMS returns the root-mean-square level of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DecodeBase64PCM decodes a base64 PCM16LE payload into a [Buffer] at rate.
// Payloads with an odd byte count are rejected.
func DecodeBase64PCM(data string, rate int) (Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("audio: odd byte count %d in PCM16 payload", len(pcm))
	}
	return Buffer{PCM: pcm, SampleRate: rate}, nil
}

// DownmixPCM16 averages interleaved PCM16LE audio with the given channel count
// down to mono. Mono input (channels <= 1) is returned as is; a trailing
// partial frame is dropped.
func DownmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	out := make([]byte, len(pcm)/stride*2)
	for f := range len(pcm) / stride {
		var sum int
		for ch := range channels {
			i := f*stride + ch*2
			sum += int(int16(pcm[i]) | int16(pcm[i+1])<<8)
		}
		// The mean of int16 values always fits in int16.
		v := int16(sum / channels)
		out[f*2] = byte(v)
		out[f*2+1] = byte(v >> 8)
	}
	return out
}

// Resampler converts a continuous mono stream between two sample rates by
// linear interpolation. The read position and the last input sample carry
// across calls, so chunk boundaries neither drop nor duplicate samples. A
// Resampler is not safe for concurrent use.
type Resampler struct {
	step float64
	pos  float64 // next output position, relative to the current chunk
	prev float32
	seen bool
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive or
// equal rates yield a pass-through Resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	step := 1.0
	if srcRate > 0 && dstRate > 0 {
		step = float64(srcRate) / float64(dstRate)
	}
	return &Resampler{step: step}
}

// Process consumes in and returns the output samples it completes. The
// returned slice is newly allocated unless the Resampler is a pass-through.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == 1 || len(in) == 0 {
		return in
	}
	if !r.seen {
		r.prev, r.seen = in[0], true
	}
	last := float64(len(in) - 1)
	out := make([]float32, 0, int((float64(len(in))-r.pos)/r.step)+1)
	for ; r.pos <= last; r.pos += r.step {
		i := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(i))
		s0 := r.prev
		if i >= 0 {
			s0 = in[i]
		}
		s1 := s0
		if i+1 < len(in) {
			s1 = in[i+1]
		}
		out = append(out, s0+(s1-s0)*frac)
	}
	// Carry the overshoot; index -1 of the next chunk is this chunk's last
	// sample.
	r.pos -= float64(len(in))
	r.prev = in[len(in)-1]
	return out
}
