// Package cprkv provides the memory and recovery substrate of a hybrid-log
// key-value store with concurrent prefix recovery (CPR).
//
// A Store keeps fixed-size records in a growable PageDirectory and takes
// checkpoints while sessions keep operating on it. Each checkpoint writes
// the directory pages to a device, records the commit point of every open
// session, and stores checksummed metadata through a checkpoint.Manager.
//
// # Quick Start
//
//	mgr, _ := checkpoint.NewLocalManager(ctx, "./data")
//	st, _ := cprkv.Open[Bucket](mgr)
//
//	sess, _ := st.NewSession("writer")
//	addr, _, _ := sess.Allocate()
//	sess.Upsert(addr, Bucket{...})
//
//	token, _ := st.Checkpoint(ctx)
//
// After a restart:
//
//	st, _ := cprkv.Open[Bucket](mgr)
//	st.Recover(ctx, checkpoint.NilToken) // newest checkpoint
//	sess, cp, _ := st.ResumeSession("writer")
//	// operations after cp.UntilSerialNo, or in cp.ExcludedSerialNos,
//	// must be replayed by the client.
//
// # Incremental Checkpoints
//
// CheckpointIncremental appends a new version to the delta log of the last
// full checkpoint: the pages sessions wrote since the previous checkpoint,
// then the metadata. Recover uses the base version unless WithDeltaScan or
// WithRecoverTo is given, and then replays the page deltas leading to the
// chosen version.
//
// # Consistency
//
// A checkpoint takes the high-water mark and every session's commit point
// while no session operation runs. Writes below that mark wait until the
// pages are written, so a recovered commit point covers exactly the
// operations whose effects the recovered pages hold.
//
// # Storage
//
// Checkpoint metadata and devices live wherever the Manager puts them:
// local files, a blobstore.BlobStore (memory, S3, MinIO), or a SQLite
// catalog (checkpoint/sqlitemanager).
package cprkv
