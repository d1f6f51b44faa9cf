package serial

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "serialhub/internal/errors"
)

const (
	groupSize    = 4
	// RenderedLen is the number of base32 symbols in a rendered serial.
	RenderedLen  = 28
	legacyHexLen = Size * 2
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Render formats b as hyphen-separated groups of base32 symbols,
// e.g. "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG".
func Render(b Bytes) string {
	s := encoding.EncodeToString(b[:])
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/groupSize)
	for i := 0; i < len(s); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(s) {
			end = len(s)
		}
		sb.WriteString(s[i:end])
	}
	return sb.String()
}

// Parse reverses Render. Separators, whitespace and letter case are
// ignored. A 34 digit hex string is accepted for serials typed in the
// legacy hex form.
func Parse(s string) (Bytes, error) {
	var b Bytes
	clean := Normalize(s)

	switch len(clean) {
	case RenderedLen:
		n, err := encoding.Decode(b[:], []byte(clean))
		if err != nil {
			return Bytes{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedLength, err)
		}
		if n != Size {
			return Bytes{}, fmt.Errorf("%w: decoded %d bytes", apperrors.ErrMalformedLength, n)
		}
		return b, nil
	case legacyHexLen:
		if _, err := hex.Decode(b[:], []byte(clean)); err != nil {
			return Bytes{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedLength, err)
		}
		return b, nil
	default:
		return Bytes{}, fmt.Errorf("%w: %d symbols", apperrors.ErrMalformedLength, len(clean))
	}
}

// Normalize strips separators and whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return r
	}, s)
}

// Mask hides all but the last group of a rendered serial for logging.
func Mask(rendered string) string {
	clean := Normalize(rendered)
	if len(clean) <= groupSize {
		return strings.Repeat("*", len(clean))
	}
	return strings.Repeat("*", len(clean)-groupSize) + clean[len(clean)-groupSize:]
}
