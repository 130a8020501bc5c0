package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WireFormat names an on-the-wire audio encoding.
type WireFormat string

const (
	// FormatMuLaw is 8-bit G.711 mu-law companded audio (telephony).
	FormatMuLaw WireFormat = "mulaw"
	// FormatPCM16 is 16-bit little-endian linear PCM, mono.
	FormatPCM16 WireFormat = "pcm16"
)

var (
	// ErrUnsupportedFormat reports an unknown wire encoding.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrMalformedAudio reports a payload that cannot be a well-formed
	// buffer of the named encoding (e.g. odd-length PCM16).
	ErrMalformedAudio = errors.New("malformed audio payload")
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// Decode converts wire-encoded audio into 16-bit little-endian linear PCM.
func Decode(format WireFormat, data []byte) ([]byte, error) {
	switch format {
	case FormatMuLaw:
		out := make([]byte, len(data)*2)
		for i, u := range data {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecodeSample(u)))
		}
		return out, nil
	case FormatPCM16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd pcm16 length %d", ErrMalformedAudio, len(data))
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Encode converts 16-bit little-endian linear PCM into the wire encoding.
func Encode(format WireFormat, pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd pcm16 length %d", ErrMalformedAudio, len(pcm))
	}
	switch format {
	case FormatMuLaw:
		out := make([]byte, len(pcm)/2)
		for i := range out {
			s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
			out[i] = muLawEncodeSample(s)
		}
		return out, nil
	case FormatPCM16:
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func muLawDecodeSample(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F) << 3) + muLawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(muLawBias - t)
	}
	return int16(t - muLawBias)
}

func muLawEncodeSample(s int16) byte {
	x := int32(s)
	var sign byte
	if x < 0 {
		x = -x
		sign = 0x80
	}
	if x > muLawClip {
		x = muLawClip
	}
	x += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); x&mask == 0 && exponent > 0; exponent, mask = exponent-1, mask>>1 {
	}
	mantissa := byte(x>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
