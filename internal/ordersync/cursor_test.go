package ordersync

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripKeepsNanoseconds(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	encoded := EncodeCursor(PageCursor{UpdatedAt: at, ID: "7f0c"})

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:00.123456789Z|7f0c", string(raw))

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.UpdatedAt.Equal(at))
	assert.Equal(t, "7f0c", decoded.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	inputs := []string{
		"",
		"%%%not-base64",
		base64.StdEncoding.EncodeToString([]byte("no-separator")),
		base64.StdEncoding.EncodeToString([]byte("yesterday|abc")),
		base64.StdEncoding.EncodeToString([]byte("2024-03-01T12:30:00Z|")),
	}
	for _, input := range inputs {
		_, err := DecodeCursor(input)
		assert.ErrorIs(t, err, ErrInvalidCursor, "input %q", input)
	}
}

func TestAfterCursorOrdering(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := PageCursor{UpdatedAt: at, ID: "m"}

	assert.True(t, afterCursor(c, Order{ID: "z", UpdatedAt: at.Add(-time.Nanosecond)}))
	assert.True(t, afterCursor(c, Order{ID: "a", UpdatedAt: at}))
	assert.False(t, afterCursor(c, Order{ID: "m", UpdatedAt: at}))
	assert.False(t, afterCursor(c, Order{ID: "z", UpdatedAt: at}))
	assert.False(t, afterCursor(c, Order{ID: "a", UpdatedAt: at.Add(time.Nanosecond)}))
}
