package audio

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Format names the encoding of the fragments a client streams.
type Format string

const (
	// FormatPCM16 fragments are raw little-endian 16-bit mono samples.
	FormatPCM16 Format = "pcm16"
	// FormatWAV fragments are self-contained WAV files.
	FormatWAV Format = "wav"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPCM16:
		return FormatPCM16, nil
	case FormatWAV:
		return FormatWAV, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", s)
	}
}

// DecodePayload decodes a base64 fragment as sent over the socket. A leading
// data URL prefix ("data:audio/wav;base64,") is accepted.
func DecodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("empty audio payload")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return b, nil
}

// ValidateFragment checks that a decoded fragment can later be assembled.
func ValidateFragment(format Format, b []byte) error {
	switch format {
	case FormatWAV:
		info, _, err := ParseWAV(b)
		if err != nil {
			return err
		}
		if info.BitsPerSample != 16 || info.Channels != 1 {
			return fmt.Errorf("unsupported wav fragment: %d-bit %d-channel", info.BitsPerSample, info.Channels)
		}
		return nil
	default:
		if len(b)%2 != 0 {
			return fmt.Errorf("pcm16 fragment has odd length %d", len(b))
		}
		return nil
	}
}
