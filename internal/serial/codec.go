package serial

import (
	"fmt"
	"time"

	apperrors "serialhub/internal/errors"
)

// Size is the fixed width of an encoded serial payload.
const Size = 17

// Byte offsets of the legacy layout.
const (
	offMaxUsage     = 0
	offExpiration   = 4
	offClientNumber = 7
	offChecksum     = 16
)

const (
	// MaxUsageLimit is the largest representable activation ceiling.
	MaxUsageLimit   = 0xFF
	// MaxClientNumber is the largest representable client number.
	MaxClientNumber = 0xFFFF

	epochYear = 2000
	lastYear  = epochYear + 0xFF
)

// Bytes is the raw 17-byte encoding of a serial payload.
type Bytes [Size]byte

// Payload is the structured content of a serial.
//
// Expiration is stored at day precision in UTC. A zero Expiration with
// NeverExpires unset encodes the empty date used by demo serials.
type Payload struct {
	MaxUsageCount int
	Expiration    time.Time
	NeverExpires  bool
	ClientNumber  int
}

// Date returns midnight UTC for the given calendar day, the only
// expiration values that survive an encode/decode round trip unchanged.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Epoch is the earliest encodable expiration date.
var Epoch = Date(epochYear, time.January, 1)

// IsDemo reports whether every payload field holds its zero value.
func (p Payload) IsDemo() bool {
	return p.MaxUsageCount == 0 && p.ClientNumber == 0 && !p.NeverExpires && p.Expiration.IsZero()
}

// Unlimited reports whether the payload places no ceiling on activations.
func (p Payload) Unlimited() bool {
	return p.MaxUsageCount == 0
}

// IsExpired reports whether now falls on a calendar day after the
// expiration date. The expiration day itself is still valid.
func (p Payload) IsExpired(now time.Time) bool {
	if p.NeverExpires || p.Expiration.IsZero() {
		return false
	}
	y, m, d := now.UTC().Date()
	return Date(y, m, d).After(p.Expiration.UTC().Truncate(24 * time.Hour))
}

// Encode packs p into the 17-byte legacy layout and appends the XOR checksum.
func Encode(p Payload) (Bytes, error) {
	var b Bytes

	if p.MaxUsageCount < 0 || p.MaxUsageCount > MaxUsageLimit {
		return b, fmt.Errorf("%w: max usage count %d outside 0..%d", apperrors.ErrInvalidPayload, p.MaxUsageCount, MaxUsageLimit)
	}
	if p.ClientNumber < 0 || p.ClientNumber > MaxClientNumber {
		return b, fmt.Errorf("%w: client number %d outside 0..%d", apperrors.ErrInvalidPayload, p.ClientNumber, MaxClientNumber)
	}

	date, err := packDate(p)
	if err != nil {
		return b, err
	}

	b[offMaxUsage] = byte(p.MaxUsageCount)
	copy(b[offExpiration:offExpiration+3], date[:])
	b[offClientNumber] = byte(p.ClientNumber >> 8)
	b[offClientNumber+1] = byte(p.ClientNumber)
	b[offChecksum] = checksum(b[:offChecksum])
	return b, nil
}

// Decode unpacks a 17-byte serial. Reserved bytes are covered by the
// checksum but otherwise ignored so legacy serials keep validating.
func Decode(raw []byte) (Payload, error) {
	if len(raw) != Size {
		return Payload{}, fmt.Errorf("%w: got %d bytes, want %d", apperrors.ErrMalformedLength, len(raw), Size)
	}
	if checksum(raw) != 0 {
		return Payload{}, apperrors.ErrChecksumMismatch
	}

	p := Payload{
		MaxUsageCount: int(raw[offMaxUsage]),
		ClientNumber:  int(raw[offClientNumber])<<8 | int(raw[offClientNumber+1]),
	}

	y, m, d := raw[offExpiration], raw[offExpiration+1], raw[offExpiration+2]
	switch {
	case y == 0xFF && m == 0xFF && d == 0xFF:
		p.NeverExpires = true
	case y == 0 && m == 0 && d == 0:
	default:
		t := Date(epochYear+int(y), time.Month(m), int(d))
		if m < 1 || m > 12 || d < 1 || t.Day() != int(d) {
			return Payload{}, fmt.Errorf("%w: bad expiration date %02x%02x%02x", apperrors.ErrInvalidPayload, y, m, d)
		}
		p.Expiration = t
	}
	return p, nil
}

func packDate(p Payload) ([3]byte, error) {
	if p.NeverExpires {
		if !p.Expiration.IsZero() {
			return [3]byte{}, fmt.Errorf("%w: never-expiring payload carries an expiration date", apperrors.ErrInvalidPayload)
		}
		return [3]byte{0xFF, 0xFF, 0xFF}, nil
	}
	if p.Expiration.IsZero() {
		return [3]byte{}, nil
	}

	y, m, d := p.Expiration.UTC().Date()
	if y < epochYear {
		return [3]byte{}, fmt.Errorf("%w: expiration %s predates %s", apperrors.ErrInvalidPayload,
			p.Expiration.Format(time.DateOnly), Epoch.Format(time.DateOnly))
	}
	if y > lastYear {
		return [3]byte{}, fmt.Errorf("%w: expiration year %d beyond %d", apperrors.ErrInvalidPayload, y, lastYear)
	}
	return [3]byte{byte(y - epochYear), byte(m), byte(d)}, nil
}

func checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}
