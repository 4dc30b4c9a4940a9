// Package audio holds the telephony audio constants and the G.711 μ-law helpers
// used when a realtime provider cannot consume μ-law directly.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// TelephonySampleRate is the G.711 sample rate.
	TelephonySampleRate = 8000
	// MulawBytesPerMS is the μ-law byte rate per millisecond (1 byte per sample).
	MulawBytesPerMS = TelephonySampleRate / 1000
	// FrameDuration is the unit of outbound pacing.
	FrameDuration = 20 * time.Millisecond
	// PayloadTypePCMU is the static RTP payload type for G.711 μ-law.
	PayloadTypePCMU = 0
)

// MulawBytes returns how many μ-law bytes cover d.
func MulawBytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d/time.Millisecond) * MulawBytesPerMS
}

// MulawDuration returns the playback duration of n μ-law bytes.
func MulawDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n/MulawBytesPerMS) * time.Millisecond
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulawSample expands one μ-law byte to a 16-bit linear sample.
func DecodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + mulawBias
	value <<= uint(exp)
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeMulawSample compresses one 16-bit linear sample to μ-law.
func EncodeMulawSample(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// MulawToPCM16 decodes μ-law bytes to little-endian PCM16 samples.
func MulawToPCM16(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = DecodeMulawSample(b)
	}
	return out
}

// PCM16ToMulaw encodes PCM16 samples to μ-law bytes.
func PCM16ToMulaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// PCM16FromBytes interprets little-endian bytes as PCM16 samples. A trailing odd byte is ignored.
func PCM16FromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// PCM16ToBytes serializes PCM16 samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Resample converts between sample rates with linear interpolation.
func Resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen <= 0 {
		return []int16{}
	}
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		i0 := int(math.Floor(srcPos))
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		i1 := i0 + 1
		if i1 >= len(in) {
			i1 = len(in) - 1
		}
		f := srcPos - float64(i0)
		v := float64(in[i0])*(1.0-f) + float64(in[i1])*f
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// MulawToPCM16Bytes decodes μ-law at 8 kHz to little-endian PCM16 at outRate.
func MulawToPCM16Bytes(in []byte, outRate int) []byte {
	return PCM16ToBytes(Resample(MulawToPCM16(in), TelephonySampleRate, outRate))
}

// PCM16BytesToMulaw converts little-endian PCM16 at inRate to μ-law at 8 kHz.
func PCM16BytesToMulaw(in []byte, inRate int) []byte {
	return PCM16ToMulaw(Resample(PCM16FromBytes(in), inRate, TelephonySampleRate))
}
