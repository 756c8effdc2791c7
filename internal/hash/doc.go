// Package hash provides the CRC32-Castagnoli checksum used by checkpoint
// metadata frames and delta log records.
//
// One-shot:
//
//	sum := hash.CRC32C(payload)
//
// Over a header and a payload that are not adjacent:
//
//	sum := hash.UpdateCRC32C(hash.CRC32C(header), payload)
package hash
