package digest_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/myco-mesh/myco/pkg/digest"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	entries := []digest.Entry{
		{ID: 1, Version: 100},
		{ID: 2, Version: 200},
		{ID: 1 << 40, Version: 1 << 50},
	}

	buf := make([]byte, 1024)

	used, err := digest.Encode(entries, buf)
	require.NoError(t, err)

	out := make([]digest.Entry, len(entries))

	count, err := digest.Decode(buf[:used], out)
	require.NoError(t, err)
	require.Equal(t, len(entries), count)

	if diff := cmp.Diff(entries, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_EmptyEntries(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 1024)

	used, err := digest.Encode(nil, buf)
	require.NoError(t, err)

	out := make([]digest.Entry, 0)

	count, err := digest.Decode(buf[:used], out)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestEncode_BufferTooSmall(t *testing.T) {
	t.Parallel()

	entries := []digest.Entry{{ID: 1 << 60, Version: 1 << 60}}

	buf := make([]byte, 3)

	_, err := digest.Encode(entries, buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, digest.ErrBufferFull))
}

func TestDecode_CountExceedsOutputCapacity(t *testing.T) {
	t.Parallel()

	entries := []digest.Entry{{ID: 1, Version: 2}, {ID: 3, Version: 4}}
	buf := make([]byte, 1024)

	used, err := digest.Encode(entries, buf)
	require.NoError(t, err)

	out := make([]digest.Entry, 1)

	_, err = digest.Decode(buf[:used], out)
	require.Error(t, err)
	require.True(t, errors.Is(err, digest.ErrDigestCorrupt))
}

func TestDecode_TruncatedVarintIsCorrupt(t *testing.T) {
	t.Parallel()

	entries := []digest.Entry{{ID: 1 << 20, Version: 1 << 20}}
	buf := make([]byte, 1024)

	used, err := digest.Encode(entries, buf)
	require.NoError(t, err)

	out := make([]digest.Entry, 1)

	_, err = digest.Decode(buf[:used-1], out)
	require.Error(t, err)
	require.True(t, errors.Is(err, digest.ErrDigestCorrupt))
}

// Scenario S6 from spec.md §8: 120 small entries should pack tighter than
// the naive 16-bytes-per-entry fixed encoding, and still round-trip.
func TestScenarioS6_PacksSmallerThanFixedWidth(t *testing.T) {
	t.Parallel()

	entries := make([]digest.Entry, 120)
	for i := range entries {
		entries[i] = digest.Entry{ID: uint64(i), Version: uint64(i * 2)}
	}

	buf := make([]byte, 120*16)

	used, err := digest.Encode(entries, buf)
	require.NoError(t, err)
	require.Less(t, used, 120*16)

	out := make([]digest.Entry, len(entries))

	count, err := digest.Decode(buf[:used], out)
	require.NoError(t, err)
	require.Equal(t, len(entries), count)

	if diff := cmp.Diff(entries, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func FuzzEncodeDecode(f *testing.F) {
	f.Add(uint64(1), uint64(2))
	f.Add(uint64(0), uint64(0))
	f.Add(uint64(1<<63), uint64(1<<63))

	f.Fuzz(func(t *testing.T, id, version uint64) {
		entries := []digest.Entry{{ID: id, Version: version}}
		buf := make([]byte, 64)

		used, err := digest.Encode(entries, buf)
		if err != nil {
			return
		}

		out := make([]digest.Entry, 1)

		count, err := digest.Decode(buf[:used], out)
		require.NoError(t, err)
		require.Equal(t, 1, count)
		require.Equal(t, entries[0], out[0])
	})
}
