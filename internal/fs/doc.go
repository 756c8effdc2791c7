// Package fs abstracts the file operations used by local devices and the
// local blob store, so tests can inject I/O failures.
//
//   - [LocalFS]: the os package
//   - [FaultyFS]: wraps another FileSystem and fails matching files
//
// A local device stores its address space as fixed-size segment files
// named "<base>.<n>". [SegmentPath], [OpenSegment] and [RemoveSegments]
// own that naming, so the device and the checkpoint device factory agree
// on it:
//
//	f, err := fs.OpenSegment(fs.Default, "/data/ckpt/hlog", 2) // hlog.2
//
// Local filesystem calls are not interruptible, so nothing here takes a
// context.Context.
package fs
