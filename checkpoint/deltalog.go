package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/internal/hash"
)

// DeltaEntryType classifies delta log records.
type DeltaEntryType uint8

const (
	// DeltaMetadata records carry a complete serialized HybridLogRecoveryInfo
	// of a newer checkpoint version.
	DeltaMetadata DeltaEntryType = 1
	// DeltaPages records carry a PageDelta: the directory pages changed
	// since the previous version.
	DeltaPages DeltaEntryType = 2
)

func (t DeltaEntryType) String() string {
	switch t {
	case DeltaMetadata:
		return "metadata"
	case DeltaPages:
		return "pages"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	deltaMagic      = 0x444c4f47 // "DLOG"
	deltaHeaderSize = 28
)

// DeltaEntry locates one record of a DeltaLog.
type DeltaEntry struct {
	Type    DeltaEntryType
	Version int64
	Offset  uint64
	Size    uint32 // framed size, sector aligned
}

func deltaLess(a, b DeltaEntry) bool {
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.Offset < b.Offset
}

// DeltaLog is an append-only log of versioned metadata records on a device.
//
// Each record is a sector aligned frame:
//
//	Magic (4 bytes)
//	Type (1 byte) + reserved (3 bytes)
//	Version (8 bytes)
//	CompressedLength (4 bytes)
//	RawLength (4 bytes)
//	CRC32C of header fields and payload (4 bytes)
//	zstd payload
//
// Opening a log scans it from offset 0 and stops at the first frame that
// does not verify, which drops a torn tail.
type DeltaLog struct {
	dev device.Device

	mu    sync.Mutex
	tail  uint64
	index *btree.BTreeG[DeltaEntry]

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenDeltaLog opens the log stored on dev.
func OpenDeltaLog(ctx context.Context, dev device.Device) (*DeltaLog, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	l := &DeltaLog{
		dev:   dev,
		index: btree.NewG(8, deltaLess),
		enc:   enc,
		dec:   dec,
	}
	if err := l.scan(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DeltaLog) scan(ctx context.Context) error {
	size, err := l.dev.FileSize(0)
	if err != nil {
		return err
	}
	header := make([]byte, device.AlignUp(l.dev, deltaHeaderSize))

	for off := uint64(0); off+deltaHeaderSize <= uint64(size); {
		if err := device.ReadSync(ctx, l.dev, off, header); err != nil {
			return err
		}
		e, clen, ok := parseDeltaHeader(header, off)
		if !ok {
			break
		}
		frame := make([]byte, device.AlignUp(l.dev, deltaHeaderSize+uint64(clen)))
		if err := device.ReadSync(ctx, l.dev, off, frame); err != nil {
			return err
		}
		if !verifyDeltaFrame(frame, clen) {
			break
		}
		e.Size = uint32(len(frame))
		l.index.ReplaceOrInsert(e)
		off += uint64(len(frame))
		l.tail = off
	}
	return nil
}

func parseDeltaHeader(h []byte, off uint64) (DeltaEntry, uint32, bool) {
	if binary.LittleEndian.Uint32(h[0:4]) != deltaMagic {
		return DeltaEntry{}, 0, false
	}
	return DeltaEntry{
		Type:    DeltaEntryType(h[4]),
		Version: int64(binary.LittleEndian.Uint64(h[8:16])),
		Offset:  off,
	}, binary.LittleEndian.Uint32(h[16:20]), true
}

func verifyDeltaFrame(frame []byte, clen uint32) bool {
	if uint64(len(frame)) < deltaHeaderSize+uint64(clen) {
		return false
	}
	sum := hash.CRC32C(frame[:24])
	sum = hash.UpdateCRC32C(sum, frame[deltaHeaderSize:deltaHeaderSize+clen])
	return sum == binary.LittleEndian.Uint32(frame[24:28])
}

// Append writes a record and returns its entry. The new tail address is
// TailAddress.
func (l *DeltaLog) Append(ctx context.Context, typ DeltaEntryType, version int64, payload []byte) (DeltaEntry, error) {
	compressed := l.enc.EncodeAll(payload, nil)

	l.mu.Lock()
	defer l.mu.Unlock()

	frame := make([]byte, device.AlignUp(l.dev, deltaHeaderSize+uint64(len(compressed))))
	binary.LittleEndian.PutUint32(frame[0:4], deltaMagic)
	frame[4] = byte(typ)
	binary.LittleEndian.PutUint64(frame[8:16], uint64(version))
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(frame[20:24], uint32(len(payload)))
	copy(frame[deltaHeaderSize:], compressed)
	sum := hash.CRC32C(frame[:24])
	sum = hash.UpdateCRC32C(sum, compressed)
	binary.LittleEndian.PutUint32(frame[24:28], sum)

	e := DeltaEntry{Type: typ, Version: version, Offset: l.tail, Size: uint32(len(frame))}
	if err := device.WriteSync(ctx, l.dev, frame, l.tail); err != nil {
		return DeltaEntry{}, err
	}
	l.tail += uint64(len(frame))
	l.index.ReplaceOrInsert(e)
	return e, nil
}

// Read returns the decompressed payload of e.
func (l *DeltaLog) Read(ctx context.Context, e DeltaEntry) ([]byte, error) {
	frame := make([]byte, e.Size)
	if err := device.ReadSync(ctx, l.dev, e.Offset, frame); err != nil {
		return nil, err
	}
	if _, clen, ok := parseDeltaHeader(frame, e.Offset); !ok || !verifyDeltaFrame(frame, clen) {
		return nil, fmt.Errorf("%w: delta frame at %d", device.ErrCorrupt, e.Offset)
	}
	clen := binary.LittleEndian.Uint32(frame[16:20])
	rawLen := binary.LittleEndian.Uint32(frame[20:24])
	out, err := l.dec.DecodeAll(frame[deltaHeaderSize:deltaHeaderSize+clen], make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrCorrupt, err)
	}
	return out, nil
}

// Entries returns every record in version order.
func (l *DeltaLog) Entries() []DeltaEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DeltaEntry, 0, l.index.Len())
	l.index.Ascend(func(e DeltaEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Latest returns the newest record of type typ with version <= recoverTo,
// or the newest overall if recoverTo <= 0.
func (l *DeltaLog) Latest(typ DeltaEntryType, recoverTo int64) (DeltaEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		found DeltaEntry
		ok    bool
	)
	visit := func(e DeltaEntry) bool {
		if e.Type != typ {
			return true
		}
		found, ok = e, true
		return false
	}
	if recoverTo <= 0 {
		l.index.Descend(visit)
	} else {
		l.index.DescendLessOrEqual(DeltaEntry{Version: recoverTo, Offset: ^uint64(0)}, visit)
	}
	return found, ok
}

// TailAddress returns the offset the next record is written at.
func (l *DeltaLog) TailAddress() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Close releases the codecs. The device is owned by the caller.
func (l *DeltaLog) Close() error {
	l.dec.Close()
	return l.enc.Close()
}

// ResolveLogMetadata returns the metadata to recover from: the newest
// DeltaMetadata record up to recoverTo when scanDelta is set and one exists,
// otherwise base.
func ResolveLogMetadata(ctx context.Context, base []byte, dl *DeltaLog, scanDelta bool, recoverTo int64) ([]byte, error) {
	if dl == nil || !scanDelta {
		return base, nil
	}
	e, ok := dl.Latest(DeltaMetadata, recoverTo)
	if !ok {
		return base, nil
	}
	data, err := dl.Read(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read delta version %d: %w", e.Version, err)
	}
	return data, nil
}
