package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/cprkv/internal/hash"
)

const binaryFormatVersion = 1

const (
	binaryKindLog   = 1
	binaryKindIndex = 2
)

var binaryMagic = [4]byte{'C', 'P', 'R', 'M'}

// BinarySerializer is a compact alternative to TextSerializer.
//
// Format:
//
//	Magic "CPRM" (4 bytes)
//	FormatVersion (4 bytes)
//	Checksum (4 bytes) - CRC32C of payload
//	PayloadLength (4 bytes)
//	Payload:
//	  Kind (1 byte)
//	  CheckpointVersion (4 bytes)
//	  XOR checksum (8 bytes)
//	  fields in text format order
//
// Strings and the commit cookie are length prefixed.
type BinarySerializer struct{}

func (BinarySerializer) Name() string { return "binary" }

func frame(payload []byte) []byte {
	out := make([]byte, 16, 16+len(payload))
	copy(out[0:4], binaryMagic[:])
	binary.LittleEndian.PutUint32(out[4:8], binaryFormatVersion)
	binary.LittleEndian.PutUint32(out[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
	return append(out, payload...)
}

func unframe(data []byte, kind byte, version uint32) (*payloadBuffer, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if [4]byte(data[0:4]) != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrMalformed, data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != binaryFormatVersion {
		return nil, fmt.Errorf("%w: unsupported binary format %d", ErrInvalidVersion, v)
	}
	sum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	if uint64(len(data)-16) < uint64(length) {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	payload := data[16 : 16+length]
	if hash.CRC32C(payload) != sum {
		return nil, fmt.Errorf("%w: payload crc mismatch", ErrInvalidChecksum)
	}

	pb := newPayloadBuffer(payload)
	if k := pb.readUint8(); pb.err == nil && k != kind {
		return nil, fmt.Errorf("%w: unexpected record kind %d", ErrMalformed, k)
	}
	if v := pb.readUint32(); pb.err == nil && v != version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidVersion, v, version)
	}
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, pb.err)
	}
	return pb, nil
}

// MarshalLog writes the log info.
func (BinarySerializer) MarshalLog(info *HybridLogRecoveryInfo, cookie []byte) ([]byte, error) {
	sessions := info.sessions()
	pb := newPayloadBuffer(make([]byte, 0, 128+len(sessions)*48+len(cookie)))

	pb.writeUint8(binaryKindLog)
	pb.writeUint32(CheckpointVersion)
	pb.writeUint64(uint64(info.Checksum(len(sessions))))
	pb.writeBytes(info.Token[:])
	pb.writeUint32(uint32(info.UseSnapshotFile))
	for _, v := range []int64{
		info.Version, info.NextVersion, info.FlushedLogicalAddress, info.StartLogicalAddress,
		info.FinalLogicalAddress, info.SnapshotFinalLogicalAddress, info.HeadAddress,
		info.BeginAddress, info.DeltaTailAddress,
	} {
		pb.writeUint64(uint64(v))
	}
	if info.ManualLockingActive {
		pb.writeUint8(1)
	} else {
		pb.writeUint8(0)
	}

	pb.writeUint32(uint32(len(sessions)))
	for _, s := range sessions {
		pb.writeUint32(uint32(s.id))
		pb.writeString(s.commit.Name)
		pb.writeUint64(uint64(s.commit.Point.UntilSerialNo))
		pb.writeUint32(uint32(len(s.commit.Point.ExcludedSerialNos)))
		for _, x := range s.commit.Point.ExcludedSerialNos {
			pb.writeUint64(uint64(x))
		}
	}

	pb.writeUint32(uint32(len(info.ObjectLogSegmentOffsets)))
	for _, off := range info.ObjectLogSegmentOffsets {
		pb.writeUint64(uint64(off))
	}
	pb.writeBytes(cookie)

	if pb.err != nil {
		return nil, pb.err
	}
	return frame(pb.buf), nil
}

// UnmarshalLog parses the log info.
func (BinarySerializer) UnmarshalLog(data []byte, info *HybridLogRecoveryInfo) ([]byte, error) {
	pb, err := unframe(data, binaryKindLog, CheckpointVersion)
	if err != nil {
		return nil, err
	}
	checksum := int64(pb.readUint64())

	info.resetLoaded()
	copy(info.Token[:], pb.readBytes())
	info.UseSnapshotFile = int32(pb.readUint32())
	for _, p := range []*int64{
		&info.Version, &info.NextVersion, &info.FlushedLogicalAddress, &info.StartLogicalAddress,
		&info.FinalLogicalAddress, &info.SnapshotFinalLogicalAddress, &info.HeadAddress,
		&info.BeginAddress, &info.DeltaTailAddress,
	} {
		*p = int64(pb.readUint64())
	}
	info.ManualLockingActive = pb.readUint8() == 1

	numSessions := int(pb.readUint32())
	for s := 0; s < numSessions && pb.err == nil; s++ {
		id := int(int32(pb.readUint32()))
		name := pb.readString()
		until := int64(pb.readUint64())
		var excluded []int64
		for n := pb.readUint32(); n > 0 && pb.err == nil; n-- {
			excluded = append(excluded, int64(pb.readUint64()))
		}
		info.addRecovered(id, SessionCommit{Name: name, Point: CommitPoint{UntilSerialNo: until, ExcludedSerialNos: excluded}})
	}

	if n := pb.readUint32(); n > 0 && pb.err == nil {
		info.ObjectLogSegmentOffsets = make([]int64, 0, min(int(n), pb.remaining()/8))
		for ; n > 0 && pb.err == nil; n-- {
			info.ObjectLogSegmentOffsets = append(info.ObjectLogSegmentOffsets, int64(pb.readUint64()))
		}
	}
	cookie := pb.readBytes()
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, pb.err)
	}

	if checksum != info.Checksum(numSessions) {
		return nil, ErrInvalidChecksum
	}
	if len(cookie) == 0 {
		return nil, nil
	}
	return cookie, nil
}

// MarshalIndex writes the index info.
func (BinarySerializer) MarshalIndex(info *IndexRecoveryInfo) ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 80))
	pb.writeUint8(binaryKindIndex)
	pb.writeUint32(IndexCheckpointVersion)
	pb.writeUint64(uint64(info.Checksum()))
	pb.writeBytes(info.Token[:])
	pb.writeUint64(uint64(info.TableSize))
	pb.writeUint64(info.NumHTBytes)
	pb.writeUint64(info.NumOFBBytes)
	pb.writeUint32(uint32(info.NumBuckets))
	pb.writeUint64(uint64(info.StartLogicalAddress))
	pb.writeUint64(uint64(info.FinalLogicalAddress))
	if pb.err != nil {
		return nil, pb.err
	}
	return frame(pb.buf), nil
}

// UnmarshalIndex parses the index info.
func (BinarySerializer) UnmarshalIndex(data []byte, info *IndexRecoveryInfo) error {
	pb, err := unframe(data, binaryKindIndex, IndexCheckpointVersion)
	if err != nil {
		return err
	}
	checksum := int64(pb.readUint64())
	copy(info.Token[:], pb.readBytes())
	info.TableSize = int64(pb.readUint64())
	info.NumHTBytes = pb.readUint64()
	info.NumOFBBytes = pb.readUint64()
	info.NumBuckets = int32(pb.readUint32())
	info.StartLogicalAddress = int64(pb.readUint64())
	info.FinalLogicalAddress = int64(pb.readUint64())
	if pb.err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, pb.err)
	}
	if checksum != info.Checksum() {
		return ErrInvalidChecksum
	}
	return nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) remaining() int {
	return len(p.buf) - p.pos
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint8() uint8 {
	b := p.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (p *payloadBuffer) readUint32() uint32 {
	b := p.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (p *payloadBuffer) readUint64() uint64 {
	b := p.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (p *payloadBuffer) readString() string {
	b := p.take(2)
	if b == nil {
		return ""
	}
	return string(p.take(int(binary.LittleEndian.Uint16(b))))
}

func (p *payloadBuffer) readBytes() []byte {
	b := p.take(4)
	if b == nil {
		return nil
	}
	return append([]byte(nil), p.take(int(binary.LittleEndian.Uint32(b)))...)
}
