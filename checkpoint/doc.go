// Package checkpoint defines the metadata of a recovery point and the
// managers that persist it.
//
// A checkpoint has two sides. IndexRecoveryInfo describes the hash index
// snapshot (table size, bytes of main and overflow pages, address range).
// HybridLogRecoveryInfo describes the log (address boundaries, the commit
// point of every session, object log segment offsets) and may carry an
// opaque commit cookie.
//
// Both infos are serialized through a Serializer. TextSerializer writes the
// line oriented format shared with other implementations; BinarySerializer
// is a compact CRC protected alternative. Either way the stored format
// version and XOR checksum are verified on load, and a mismatch is fatal.
//
// Incremental checkpoints append versions to a DeltaLog stored next to the
// base checkpoint. Each version is a DeltaPages record holding a PageDelta,
// linked to the PageDelta it builds on, followed by a DeltaMetadata record.
package checkpoint
