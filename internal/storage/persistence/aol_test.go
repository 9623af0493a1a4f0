package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	ops := []Operation{
		Put("simple", []byte("value")),
		Put("binary", []byte{0x00, 0xff, 0x10, '\n'}),
		Put("empty-value", nil),
		Delete("gone"),
	}

	for _, op := range ops {
		line := encodeRecord(op)
		require.True(t, strings.HasSuffix(line, "\n"))

		parsed, err := parseRecord(line)
		require.NoError(t, err)
		assert.Equal(t, op.Kind, parsed.Kind)
		assert.Equal(t, op.Key, parsed.Key)
		if op.Kind == OpPut {
			assert.Equal(t, len(op.Value), len(parsed.Value))
			assert.Equal(t, []byte(string(op.Value)), parsed.Value)
		}
	}
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"SET",
		"DEL",
		"DEL too many args",
		"NOPE key value",
		"SET key not!base64***",
	} {
		_, err := parseRecord(line)
		assert.Error(t, err, "line %q", line)
	}
}

func openTestLog(t *testing.T, policy FsyncPolicy) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.aol")
	l, err := Open(path, policy, nil)
	require.NoError(t, err)
	return l, path
}

func TestAppendAndReadAll(t *testing.T) {
	l, path := openTestLog(t, SyncAlways())

	require.NoError(t, l.Append(Put("a", []byte("1"))))
	require.NoError(t, l.Append(Put("b", []byte("2"))))
	require.NoError(t, l.Append(Delete("a")))
	require.NoError(t, l.Close())

	reopened, err := Open(path, SyncAlways(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, Put("a", []byte("1")), ops[0])
	assert.Equal(t, Put("b", []byte("2")), ops[1])
	assert.Equal(t, Delete("a"), ops[2])
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, _ := openTestLog(t, SyncAlways())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(Put("k", nil)), ErrLogClosed)
	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestCloseDrainsQueue(t *testing.T) {
	// Under the never policy appends are fire-and-forget; Close must still
	// flush everything that was queued.
	l, path := openTestLog(t, SyncNever())
	for i := 0; i < 500; i++ {
		require.NoError(t, l.Append(Put("k", []byte("v"))))
	}
	require.NoError(t, l.Close())

	ops, err := readLog(path, nil)
	require.NoError(t, err)
	assert.Len(t, ops, 500)
}

func TestEveryNPolicySurvivesReopen(t *testing.T) {
	l, path := openTestLog(t, SyncEveryN(10))
	for i := 0; i < 25; i++ {
		require.NoError(t, l.Append(Put("k", []byte("v"))))
	}
	require.NoError(t, l.Close())

	ops, err := readLog(path, nil)
	require.NoError(t, err)
	assert.Len(t, ops, 25)
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirty.aol")
	content := encodeRecord(Put("good", []byte("v1"))) +
		"THIS IS NOT A RECORD\n" +
		"SET broken not-base64!!!\n" +
		encodeRecord(Delete("good"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ops, err := readLog(path, nil)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OpPut, ops[0].Kind)
	assert.Equal(t, OpDelete, ops[1].Kind)
}

func TestOpenCountsExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.aol")
	seed := encodeRecord(Put("a", []byte("1"))) + encodeRecord(Put("b", []byte("2")))
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	l, err := Open(path, SyncAlways(), nil)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(2), l.Marker())
	require.NoError(t, l.Append(Put("c", []byte("3"))))
	assert.Equal(t, uint64(3), l.Marker())
}

func TestCompactRewritesToState(t *testing.T) {
	l, path := openTestLog(t, SyncAlways())

	require.NoError(t, l.Append(Put("a", []byte("old"))))
	require.NoError(t, l.Append(Put("a", []byte("new"))))
	require.NoError(t, l.Append(Put("b", []byte("2"))))
	require.NoError(t, l.Append(Delete("b")))

	marker := l.Marker()
	state := []Entry{{Key: "a", Value: []byte("new")}}
	require.NoError(t, l.Compact(state, marker))
	require.NoError(t, l.Close())

	ops, err := readLog(path, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, Put("a", []byte("new")), ops[0])
}

func TestCompactPreservesRecordsAfterMarker(t *testing.T) {
	l, path := openTestLog(t, SyncAlways())

	require.NoError(t, l.Append(Put("a", []byte("1"))))
	require.NoError(t, l.Append(Put("b", []byte("2"))))

	// Marker taken here: a write lands while the snapshot scan would be
	// running, after the marker.
	marker := l.Marker()
	require.NoError(t, l.Append(Put("c", []byte("3"))))

	state := []Entry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}
	require.NoError(t, l.Compact(state, marker))

	// The log keeps accepting appends after compaction.
	require.NoError(t, l.Append(Delete("a")))
	require.NoError(t, l.Close())

	ops, err := readLog(path, nil)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, Put("c", []byte("3")), ops[2], "post-marker record must survive compaction")
	assert.Equal(t, Delete("a"), ops[3])
}

func TestCompactResetsMarker(t *testing.T) {
	l, _ := openTestLog(t, SyncAlways())
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Put("k", []byte("v"))))
	}
	require.NoError(t, l.Compact([]Entry{{Key: "k", Value: []byte("v")}}, l.Marker()))

	assert.Equal(t, uint64(1), l.Marker())
	st := l.Stats()
	assert.Equal(t, uint64(1), st.RecordsWritten)
	assert.Equal(t, uint64(len(encodeRecord(Put("k", []byte("v"))))), st.BytesOnDisk)
}

func TestStatsTrackWrites(t *testing.T) {
	l, _ := openTestLog(t, SyncAlways())
	defer l.Close()

	require.NoError(t, l.Append(Put("key", []byte("value"))))
	require.NoError(t, l.Append(Delete("key")))

	st := l.Stats()
	assert.Equal(t, uint64(2), st.RecordsWritten)
	expected := uint64(len(encodeRecord(Put("key", []byte("value")))) + len(encodeRecord(Delete("key"))))
	assert.Equal(t, expected, st.BytesOnDisk)
}
