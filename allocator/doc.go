// Package allocator implements PageDirectory, a growable, lock-free
// allocator of fixed-size records used for hash index overflow pages.
//
// # Addressing
//
// A logical address is (page << PageBits) | offset. Addresses are assigned
// densely and in increasing order from an atomic high-water counter; freed
// addresses are recycled through a lock-free queue. Pages are never moved
// once published, so references obtained through Ref stay valid until Close.
//
// # Concurrency
//
// Allocate, Free, Get, Set and Ref may be called from any number of
// goroutines. The only wait in the allocation path is a short spin for a
// page that the goroutine landing on its first slot has not yet published.
// The write cache remembers the newest page, so goroutines filling it skip
// even that check.
//
// # Checkpoint and recovery
//
// BeginCheckpoint snapshots the high-water mark once and writes one
// sector-aligned block per page to a device.Device. Allocations made after
// the snapshot are not part of the checkpoint. BeginRecovery preallocates
// the directory and reads the pages back. Recovery must complete before the
// directory is opened to concurrent allocation.
//
// Page I/O errors never abort a checkpoint or a recovery: they are logged,
// reported to the PageErrorHandler, counted in FailedPages, and the page is
// still counted as done. Callers validate the result through the checksummed
// checkpoint metadata or by comparing FailedPages.
//
// Only record types without pointers can be checkpointed. Their pages live
// on anonymous memory mappings outside the Go heap.
package allocator
