// Package blobstore provides the object storage abstraction that holds
// checkpoint metadata and, through device.BlobDevice, checkpoint pages.
//
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, atomic Put via rename
//   - MemoryStore: in-process map, for tests and ephemeral stores
//   - s3.Store: Amazon S3 (uploads through the transfer manager)
//   - minio.Store: any S3-compatible endpoint through minio-go
//
// # Commit Pointers
//
// A PointerStore holds small versioned pointers (for example the token of
// the latest committed checkpoint) with compare-and-swap semantics.
// BlobPointerStore keeps them in a BlobStore and serializes updates within
// one process; s3.CommitStore keeps them in DynamoDB and is safe across
// processes.
package blobstore
