// Package mmap provides anonymous memory mappings used as off-heap,
// sector-aligned page storage.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE, madvise(2) for hints
//   - Windows: VirtualAlloc / VirtualFree (advice is a no-op)
//
// Mappings start on an OS page boundary, so they satisfy the sector alignment
// required for direct device I/O on every common sector size up to 4 KiB.
//
// # Thread Safety
//
// A Mapping may be read and written concurrently by callers that coordinate
// among themselves. Close is idempotent; callers must not touch Bytes after
// Close returns.
package mmap
