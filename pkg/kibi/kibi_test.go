package kibi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "0 bytes", FormatBytes(0))
	require.Equal(t, "1023 bytes", FormatBytes(1023))
	require.Equal(t, "1 KB", FormatBytes(1024))
	require.Equal(t, "1.5 KB", FormatBytes(1536))
	require.Equal(t, "35 MB", FormatBytes(35<<20))
	require.Equal(t, "2.5 GB", FormatBytes(5<<29))
	require.Equal(t, "1 TB", FormatBytes(1<<40))
	require.Equal(t, "2048 PB", FormatBytes(1<<61))
	require.Equal(t, "-5 bytes", FormatBytes(-5))
}

func TestParseBytes(t *testing.T) {
	good := map[string]int64{
		"0":          0,
		"12345":      12345,
		"50 bytes":   50,
		"50b":        50,
		"50 kb":      50 << 10,
		"50 K":       50 << 10,
		"50 KiB":     50 << 10,
		"  2 GB ":    2 << 30,
		"1.5 GB":     3 << 29,
		"0.5m":       1 << 19,
		"50 tb":      50 << 40,
		"3 pb":       3 << 50,
		"1.0000001k": 1024,
	}
	for s, want := range good {
		got, err := ParseBytes(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}

	for _, s := range []string{"", "50 pbz", "50.1", "-5 MB", "1e3", "GB", "99999 pb", "99999999999999999999"} {
		_, err := ParseBytes(s)
		require.ErrorIs(t, err, ErrInvalidByteSize, s)
	}

	// Formatting whole units parses back to the same size
	for _, b := range []int64{1 << 10, 7 << 20, 3 << 30} {
		got, err := ParseBytes(FormatBytes(b))
		require.NoError(t, err)
		require.Equal(t, b, got)
	}
}
