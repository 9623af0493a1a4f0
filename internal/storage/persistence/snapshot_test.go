package persistence

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	data := map[string][]byte{
		"alpha":  []byte("first"),
		"beta":   {0x00, 0x01, 0xfe, 0xff},
		"empty":  {},
		"user:1": []byte("profile"),
	}

	snap := NewSnapshot(data)
	decoded, err := DecodeSnapshot(snap.Encode())
	require.NoError(t, err)

	if diff := cmp.Diff(snap.Metadata, decoded.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snap.Data, decoded.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotEncodeDeterministic(t *testing.T) {
	data := map[string][]byte{"b": []byte("2"), "a": []byte("1"), "c": []byte("3")}
	snap := NewSnapshot(data)
	assert.Equal(t, snap.Encode(), snap.Encode())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := NewSnapshot(map[string][]byte{"k": []byte("v")}).Encode()
	copy(raw[0:4], "XXXX")
	_, err := DecodeSnapshot(raw)
	assert.ErrorIs(t, err, ErrSnapshotMagic)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	raw := NewSnapshot(map[string][]byte{"k": []byte("v")}).Encode()
	binary.LittleEndian.PutUint16(raw[4:6], SnapshotVersion+1)
	_, err := DecodeSnapshot(raw)
	assert.ErrorIs(t, err, ErrSnapshotVersion)
}

func TestDecodeRejectsCorruptPayload(t *testing.T) {
	raw := NewSnapshot(map[string][]byte{"k": []byte("value")}).Encode()
	raw[len(raw)-1] ^= 0xff
	_, err := DecodeSnapshot(raw)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)

	_, err = DecodeSnapshot([]byte("short"))
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)

	_, err = DecodeSnapshot(raw[:snapshotHeaderSize-2])
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func newTestSnapshotter(t *testing.T) (*Snapshotter, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSnapshotter(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestCreateAndLoadLatest(t *testing.T) {
	s, dir := newTestSnapshotter(t)

	data := map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}
	path, err := s.Create(data)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, latestAlias))

	snap, err := s.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, data, snap.Data)
	assert.Equal(t, 2, snap.Metadata.TotalKeys)
}

func TestLoadLatestAbsent(t *testing.T) {
	s, _ := newTestSnapshotter(t)
	snap, err := s.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadLatestPropagatesCorruption(t *testing.T) {
	s, dir := newTestSnapshotter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, latestAlias), []byte("garbage"), 0o644))

	_, err := s.LoadLatest()
	assert.Error(t, err)
}

func TestRetentionKeepsFiveNewest(t *testing.T) {
	s, dir := newTestSnapshotter(t)

	for i := 0; i < 7; i++ {
		_, err := s.Create(map[string][]byte{
			fmt.Sprintf("round-%d", i): []byte("v"),
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var timestamped []string
	aliasSeen := false
	for _, e := range entries {
		if e.Name() == latestAlias {
			aliasSeen = true
			continue
		}
		timestamped = append(timestamped, e.Name())
	}
	assert.True(t, aliasSeen)
	assert.Len(t, timestamped, keepSnapshots)

	// The alias must hold the newest snapshot.
	snap, err := s.LoadLatest()
	require.NoError(t, err)
	_, ok := snap.Data["round-6"]
	assert.True(t, ok)
}

func TestListReturnsNewestFirst(t *testing.T) {
	s, _ := newTestSnapshotter(t)
	for i := 0; i < 3; i++ {
		_, err := s.Create(map[string][]byte{"k": []byte("v")})
		require.NoError(t, err)
	}

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.True(t, sort.SliceIsSorted(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	}))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s, dir := newTestSnapshotter(t)
	_, err := s.Create(map[string][]byte{"k": []byte("v")})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
