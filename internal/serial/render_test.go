package serial

import (
	"encoding/hex"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "serialhub/internal/errors"
)

func TestRenderParse_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		var b Bytes
		r.Read(b[:])

		s := Render(b)
		got, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, b, got)
	}
}

func TestRender_Grouping(t *testing.T) {
	b, err := Encode(Payload{MaxUsageCount: 2, NeverExpires: true, ClientNumber: 1})
	require.NoError(t, err)

	s := Render(b)
	groups := strings.Split(s, "-")
	assert.Len(t, groups, RenderedLen/groupSize)
	for _, g := range groups {
		assert.Len(t, g, groupSize)
	}
	assert.Equal(t, strings.ToUpper(s), s)
}

func TestParse_Tolerance(t *testing.T) {
	b, err := Encode(Payload{MaxUsageCount: 9, Expiration: Date(2031, time.January, 2), ClientNumber: 300})
	require.NoError(t, err)
	canonical := Render(b)

	tests := []struct {
		name  string
		input string
	}{
		{"canonical", canonical},
		{"lower case", strings.ToLower(canonical)},
		{"no hyphens", strings.ReplaceAll(canonical, "-", "")},
		{"spaces instead of hyphens", strings.ReplaceAll(canonical, "-", " ")},
		{"surrounding whitespace", "  " + canonical + "\n"},
		{"legacy hex", hex.EncodeToString(b[:])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, b, got)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", "AAAA-BBBB"},
		{"too long", strings.Repeat("A", RenderedLen+1)},
		{"bad base32 symbol", strings.Repeat("A", RenderedLen-1) + "1"},
		{"bad hex digit", strings.Repeat("0", legacyHexLen-1) + "G"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, apperrors.ErrMalformedLength)
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "************************GGGG", Mask("AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG"))
	assert.Equal(t, "***", Mask("abc"))
}
