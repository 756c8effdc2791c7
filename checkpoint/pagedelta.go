package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
)

// NoPrevDelta is the PrevOffset of a PageDelta that applies directly to the
// pages of the full checkpoint.
const NoPrevDelta int64 = -1

// PageImage is the leading records of one directory page.
type PageImage struct {
	Index uint32
	Data  []byte
}

// PageDelta is the directory change an incremental checkpoint persists. It
// is stored as a DeltaPages record immediately before the DeltaMetadata
// record of the same version.
type PageDelta struct {
	// PrevOffset is the delta log offset of the PageDelta this one was taken
	// on top of, or NoPrevDelta.
	PrevOffset int64
	// HighWater is the directory high-water mark at the snapshot.
	HighWater int64
	Pages     []PageImage
	// Offset is where ResolvePageDeltas read the record. It is not encoded.
	Offset int64
}

// MarshalBinary encodes d as
//
//	PrevOffset (8 bytes) HighWater (8 bytes) PageCount (4 bytes)
//	per page: Index (4 bytes) Length (4 bytes) Data
func (d *PageDelta) MarshalBinary() ([]byte, error) {
	size := 20
	for _, p := range d.Pages {
		size += 8 + len(p.Data)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.PrevOffset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.HighWater))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Pages)))
	for _, p := range d.Pages {
		buf = binary.LittleEndian.AppendUint32(buf, p.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Data)))
		buf = append(buf, p.Data...)
	}
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (d *PageDelta) UnmarshalBinary(data []byte) error {
	if len(data) < 20 {
		return fmt.Errorf("%w: page delta of %d bytes", ErrMalformed, len(data))
	}
	d.PrevOffset = int64(binary.LittleEndian.Uint64(data[0:8]))
	d.HighWater = int64(binary.LittleEndian.Uint64(data[8:16]))
	n := binary.LittleEndian.Uint32(data[16:20])
	data = data[20:]

	d.Pages = make([]PageImage, 0, min(int(n), len(data)/8))
	for i := uint32(0); i < n; i++ {
		if len(data) < 8 {
			return fmt.Errorf("%w: page delta truncated at page %d", ErrMalformed, i)
		}
		idx := binary.LittleEndian.Uint32(data[0:4])
		l := binary.LittleEndian.Uint32(data[4:8])
		if uint64(len(data)-8) < uint64(l) {
			return fmt.Errorf("%w: page delta truncated at page %d", ErrMalformed, i)
		}
		d.Pages = append(d.Pages, PageImage{Index: idx, Data: data[8 : 8+l]})
		data = data[8+l:]
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after page delta", ErrMalformed, len(data))
	}
	return nil
}

// ResolvePageDeltas returns the page deltas, oldest first, that bring the
// full checkpoint to the version ResolveLogMetadata selects for recoverTo.
// It returns nil when that version is the base.
func ResolvePageDeltas(ctx context.Context, dl *DeltaLog, recoverTo int64) ([]PageDelta, error) {
	if dl == nil {
		return nil, nil
	}
	meta, ok := dl.Latest(DeltaMetadata, recoverTo)
	if !ok {
		return nil, nil
	}

	byOffset := make(map[int64]DeltaEntry)
	var (
		head  DeltaEntry
		found bool
	)
	for _, e := range dl.Entries() {
		if e.Type != DeltaPages {
			continue
		}
		byOffset[int64(e.Offset)] = e
		if e.Version == meta.Version && e.Offset < meta.Offset && (!found || e.Offset > head.Offset) {
			head, found = e, true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: delta version %d has no page record", ErrMalformed, meta.Version)
	}

	var chain []PageDelta
	for e := head; ; {
		data, err := dl.Read(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read page delta version %d: %w", e.Version, err)
		}
		var d PageDelta
		if err := d.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		d.Offset = int64(e.Offset)
		chain = append(chain, d)
		if d.PrevOffset == NoPrevDelta {
			break
		}
		prev, ok := byOffset[d.PrevOffset]
		if !ok || prev.Offset >= e.Offset {
			return nil, fmt.Errorf("%w: page delta version %d links to offset %d", ErrMalformed, e.Version, d.PrevOffset)
		}
		e = prev
	}

	slices.Reverse(chain)
	return chain, nil
}
