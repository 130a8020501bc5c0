package audio

import (
	"encoding/binary"
	"fmt"
)

// Resample converts PCM16LE mono audio between sample rates using linear
// interpolation. It returns a fresh buffer; input is never mutated.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd pcm16 length %d", ErrMalformedAudio, len(pcm))
	}
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	in := len(pcm) / 2
	if in == 0 {
		return []byte{}, nil
	}
	outSamples := int(int64(in) * int64(toRate) / int64(fromRate))
	if outSamples == 0 {
		return []byte{}, nil
	}

	out := make([]byte, outSamples*2)
	step := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= in {
			j = in - 1
		}
		frac := pos - float64(j)

		s0 := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
		s1 := s0
		if j+1 < in {
			s1 = float64(int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:])))
		}
		v := s0 + (s1-s0)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}
