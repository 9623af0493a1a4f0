package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// Snapshot file framing. Little-endian throughout:
//
//	magic "BKVS" | version u16 | created unix-nano i64 |
//	key count u64 | total bytes u64 | crc32 of data section u32 |
//	data: repeated { key len u32 | key | value len u32 | value }
//
// Entries are written in sorted key order so identical state always
// produces identical bytes.
const (
	snapshotMagic = "BKVS"

	// SnapshotVersion is the current format version. Decoding rejects any
	// payload claiming a newer one.
	SnapshotVersion uint16 = 1

	snapshotHeaderSize = 4 + 2 + 8 + 8 + 8 + 4

	latestAlias = "snapshot-latest.rdb"

	// keepSnapshots is the retention count after each publication.
	keepSnapshots = 5

	snapshotTimeLayout = "20060102-150405"
)

// Snapshot decoding failures.
var (
	ErrSnapshotMagic   = errors.New("snapshot: bad magic")
	ErrSnapshotVersion = errors.New("snapshot: unsupported format version")
	ErrSnapshotCorrupt = errors.New("snapshot: corrupt payload")
)

// SnapshotMetadata describes a snapshot without its data.
type SnapshotMetadata struct {
	Version    uint16
	CreatedAt  time.Time
	TotalKeys  int
	TotalBytes uint64
	Checksum   uint32
}

// Snapshot is the whole-state value captured at one moment.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     map[string][]byte
}

// NewSnapshot stamps data with fresh metadata.
func NewSnapshot(data map[string][]byte) *Snapshot {
	var total uint64
	for k, v := range data {
		total += uint64(len(k) + len(v))
	}
	return &Snapshot{
		Metadata: SnapshotMetadata{
			Version:    SnapshotVersion,
			CreatedAt:  time.Now().UTC().Truncate(time.Second),
			TotalKeys:  len(data),
			TotalBytes: total,
		},
		Data: data,
	}
}

// Encode renders the snapshot in the binary framing above.
func (s *Snapshot) Encode() []byte {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data bytes.Buffer
	var scratch [4]byte
	for _, k := range keys {
		v := s.Data[k]
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(k)))
		data.Write(scratch[:])
		data.WriteString(k)
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(v)))
		data.Write(scratch[:])
		data.Write(v)
	}
	checksum := crc32.ChecksumIEEE(data.Bytes())
	s.Metadata.Checksum = checksum

	out := make([]byte, snapshotHeaderSize+data.Len())
	copy(out[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(out[4:6], s.Metadata.Version)
	binary.LittleEndian.PutUint64(out[6:14], uint64(s.Metadata.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint64(out[14:22], uint64(s.Metadata.TotalKeys))
	binary.LittleEndian.PutUint64(out[22:30], s.Metadata.TotalBytes)
	binary.LittleEndian.PutUint32(out[30:34], checksum)
	copy(out[snapshotHeaderSize:], data.Bytes())
	return out
}

// DecodeSnapshot parses and verifies a snapshot payload.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	if len(raw) < snapshotHeaderSize {
		return nil, ErrSnapshotCorrupt
	}
	if string(raw[0:4]) != snapshotMagic {
		return nil, ErrSnapshotMagic
	}
	version := binary.LittleEndian.Uint16(raw[4:6])
	if version > SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, version)
	}

	meta := SnapshotMetadata{
		Version:    version,
		CreatedAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(raw[6:14]))).UTC(),
		TotalKeys:  int(binary.LittleEndian.Uint64(raw[14:22])),
		TotalBytes: binary.LittleEndian.Uint64(raw[22:30]),
		Checksum:   binary.LittleEndian.Uint32(raw[30:34]),
	}

	data := raw[snapshotHeaderSize:]
	if crc32.ChecksumIEEE(data) != meta.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupt)
	}

	entries := make(map[string][]byte, meta.TotalKeys)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrSnapshotCorrupt
		}
		klen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < klen {
			return nil, ErrSnapshotCorrupt
		}
		key := string(data[:klen])
		data = data[klen:]

		if len(data) < 4 {
			return nil, ErrSnapshotCorrupt
		}
		vlen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < vlen {
			return nil, ErrSnapshotCorrupt
		}
		value := make([]byte, vlen)
		copy(value, data[:vlen])
		data = data[vlen:]

		entries[key] = value
	}
	if len(entries) != meta.TotalKeys {
		return nil, fmt.Errorf("%w: key count mismatch", ErrSnapshotCorrupt)
	}

	return &Snapshot{Metadata: meta, Data: entries}, nil
}

// filename derives the timestamped file name for this snapshot.
func (m SnapshotMetadata) filename() string {
	return fmt.Sprintf("snapshot-%s.rdb", m.CreatedAt.Format(snapshotTimeLayout))
}

// Snapshotter publishes and loads snapshots in a directory. Files are
// written to a temp sibling, fsynced and renamed, so a snapshot on disk is
// either complete or absent.
type Snapshotter struct {
	dir    string
	logger *zap.Logger
}

// NewSnapshotter ensures dir exists.
func NewSnapshotter(dir string, logger *zap.Logger) (*Snapshotter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	logger.Info("snapshotter initialized", zap.String("dir", dir))
	return &Snapshotter{dir: dir, logger: logger}, nil
}

// Create publishes a snapshot of data and returns its path. After the
// rename it refreshes the latest alias and applies retention; neither of
// those failures undoes the publication.
func (s *Snapshotter) Create(data map[string][]byte) (string, error) {
	snap := NewSnapshot(data)

	// File names are second-granular; nudge the stamp forward until it is
	// free so back-to-back snapshots never overwrite each other.
	path := filepath.Join(s.dir, snap.Metadata.filename())
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		snap.Metadata.CreatedAt = snap.Metadata.CreatedAt.Add(time.Second)
		path = filepath.Join(s.dir, snap.Metadata.filename())
	}

	encoded := snap.Encode()

	if err := atomic.WriteFile(path, bytes.NewReader(encoded)); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	s.logger.Info("snapshot published",
		zap.String("path", path),
		zap.Int("keys", snap.Metadata.TotalKeys),
		zap.Uint64("bytes", snap.Metadata.TotalBytes))

	// The alias is a copy, not a symlink, so it works on every platform.
	// Readers tolerate it being briefly stale.
	aliasPath := filepath.Join(s.dir, latestAlias)
	if err := atomic.WriteFile(aliasPath, bytes.NewReader(encoded)); err != nil {
		s.logger.Warn("failed to update latest alias", zap.Error(err))
	}

	s.cleanup()
	return path, nil
}

// Load decodes the snapshot at path.
func (s *Snapshotter) Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// LoadLatest returns the snapshot behind the alias, or nil when none has
// been published yet. Decoding errors propagate.
func (s *Snapshotter) LoadLatest() (*Snapshot, error) {
	path := filepath.Join(s.dir, latestAlias)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat latest snapshot: %w", err)
	}
	return s.Load(path)
}

// List returns metadata for every timestamped snapshot, newest first.
func (s *Snapshotter) List() ([]SnapshotMetadata, error) {
	names, err := s.timestamped()
	if err != nil {
		return nil, err
	}

	metas := make([]SnapshotMetadata, 0, len(names))
	for _, name := range names {
		snap, err := s.Load(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("name", name), zap.Error(err))
			continue
		}
		metas = append(metas, snap.Metadata)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// timestamped lists snapshot-*.rdb files excluding the alias, sorted by the
// timestamp embedded in the name (oldest first).
func (s *Snapshotter) timestamped() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == latestAlias {
			continue
		}
		if strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, ".rdb") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// cleanup removes all but the newest keepSnapshots timestamped files.
// Failures are logged and otherwise ignored.
func (s *Snapshotter) cleanup() {
	names, err := s.timestamped()
	if err != nil {
		s.logger.Warn("snapshot retention scan failed", zap.Error(err))
		return
	}
	if len(names) <= keepSnapshots {
		return
	}
	for _, name := range names[:len(names)-keepSnapshots] {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove old snapshot",
				zap.String("path", path), zap.Error(err))
			continue
		}
		s.logger.Debug("removed old snapshot", zap.String("path", path))
	}
}
