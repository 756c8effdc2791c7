// Package resource governs device I/O issued by checkpoints and recovery.
//
// A Controller bounds two things:
//
//   - In-flight operations: a weighted semaphore caps how many device
//     operations may be outstanding at once.
//   - Throughput: a token bucket limits bytes per second so a large
//     checkpoint does not starve foreground I/O.
//
// It also keeps an informational count of page memory mapped by allocators.
//
//	rc := resource.NewController(resource.Config{
//	    MaxInflightIO:      32,
//	    IOLimitBytesPerSec: 256 << 20,
//	})
//
// A nil *Controller is valid and imposes no limits.
package resource
