package audio

import (
	"bytes"
	"fmt"
)

// Assemble joins ordered fragments into one 16-bit mono WAV file suitable for a
// transcription engine. For FormatWAV the per-fragment headers are stripped and
// all fragments must share a sample rate; sampleRate is then ignored.
func Assemble(format Format, sampleRate int, fragments [][]byte) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("no fragments to assemble")
	}

	var pcm bytes.Buffer
	switch format {
	case FormatWAV:
		rate := uint32(0)
		for i, f := range fragments {
			info, data, err := ParseWAV(f)
			if err != nil {
				return nil, fmt.Errorf("fragment %d: %w", i, err)
			}
			if info.BitsPerSample != 16 || info.Channels != 1 {
				return nil, fmt.Errorf("fragment %d: unsupported %d-bit %d-channel audio", i, info.BitsPerSample, info.Channels)
			}
			if rate == 0 {
				rate = info.SampleRate
			} else if info.SampleRate != rate {
				return nil, fmt.Errorf("fragment %d: sample rate %d differs from %d", i, info.SampleRate, rate)
			}
			pcm.Write(data)
		}
		sampleRate = int(rate)
	case FormatPCM16:
		for i, f := range fragments {
			if len(f)%2 != 0 {
				return nil, fmt.Errorf("fragment %d: odd pcm16 length %d", i, len(f))
			}
			pcm.Write(f)
		}
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}

	return EncodePCM16(pcm.Bytes(), sampleRate)
}
