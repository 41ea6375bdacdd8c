// Package audio converts between the telephony leg's 8 kHz mu-law encoding and
// the linear PCM the speech provider consumes, and re-chunks byte streams into
// fixed-size frames. All functions are pure; the relay loop never touches raw
// sample bytes itself.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// TelephonySampleRate is the narrowband rate used by the media stream (Hz).
	TelephonySampleRate = 8000

	// ProviderSampleRate is the PCM rate expected by the speech provider (Hz).
	ProviderSampleRate = 24000

	ulawBias = 0x84
	ulawClip = 32635
)

// Codec translates one inbound telephony frame into provider input bytes and
// one provider output buffer into telephony bytes. Implementations are
// stateless; the choice between them is configuration, not structure.
type Codec interface {
	// DecodeInbound converts one telephony media frame into the bytes to
	// append to the provider's input audio buffer.
	DecodeInbound(frame []byte) ([]byte, error)
	// EncodeOutbound converts provider audio bytes into telephony bytes.
	EncodeOutbound(audio []byte) ([]byte, error)
	// Name reports the negotiated provider audio format.
	Name() string
}

// NewCodec selects a codec by provider audio format name.
func NewCodec(format string) (Codec, error) {
	switch format {
	case "g711_ulaw", "":
		return PassthroughCodec{}, nil
	case "pcm16":
		return PCMCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider audio format %q", format)
	}
}

// PassthroughCodec is used when the provider is configured for g711_ulaw on
// both legs, which matches the telephony encoding byte for byte.
type PassthroughCodec struct{}

func (PassthroughCodec) DecodeInbound(frame []byte) ([]byte, error) { return frame, nil }
func (PassthroughCodec) EncodeOutbound(audio []byte) ([]byte, error) {
	return audio, nil
}
func (PassthroughCodec) Name() string { return "g711_ulaw" }

// PCMCodec converts mu-law 8 kHz to 24 kHz PCM16 little-endian and back for
// providers that only accept linear PCM.
type PCMCodec struct{}

func (PCMCodec) Name() string { return "pcm16" }

func (PCMCodec) DecodeInbound(frame []byte) ([]byte, error) {
	samples := DecodeULaw(frame)
	return PCM16Bytes(Upsample3x(samples)), nil
}

func (PCMCodec) EncodeOutbound(audio []byte) ([]byte, error) {
	samples, err := PCM16Samples(audio)
	if err != nil {
		return nil, err
	}
	return EncodeULaw(Downsample3x(samples)), nil
}

// DecodeULaw expands mu-law bytes to linear 16-bit samples.
func DecodeULaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = ulawToLinear(b)
	}
	return out
}

// EncodeULaw compresses linear 16-bit samples to mu-law bytes.
func EncodeULaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToULaw(s)
	}
	return out
}

// PCM16Bytes serializes samples as little-endian PCM16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// PCM16Samples parses little-endian PCM16 bytes.
func PCM16Samples(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("pcm16 buffer has odd length %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// Upsample3x converts 8 kHz samples to 24 kHz by linear interpolation.
func Upsample3x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 0, 3*len(in))
	for i, s := range in {
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		a, b := int32(s), int32(next)
		out = append(out, s, int16(a+(b-a)/3), int16(a+2*(b-a)/3))
	}
	return out
}

// Downsample3x converts 24 kHz samples to 8 kHz by averaging each triple.
func Downsample3x(in []int16) []int16 {
	out := make([]int16, 0, len(in)/3+1)
	for i := 0; i+2 < len(in); i += 3 {
		sum := int32(in[i]) + int32(in[i+1]) + int32(in[i+2])
		out = append(out, int16(sum/3))
	}
	return out
}

// Chunk splits b into frames of at most frameSize bytes, preserving order.
// The final frame may be short. frameSize <= 0 yields the whole buffer.
func Chunk(b []byte, frameSize int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	if frameSize <= 0 {
		return [][]byte{b}
	}
	frames := make([][]byte, 0, (len(b)+frameSize-1)/frameSize)
	for len(b) > frameSize {
		frames = append(frames, b[:frameSize])
		b = b[frameSize:]
	}
	return append(frames, b)
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToULaw(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exp := byte(7)
	for mask := 0x4000; (s&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}
