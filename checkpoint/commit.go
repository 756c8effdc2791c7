package checkpoint

import "slices"

// CommitPoint is the durable resumption marker of one session. Serial
// numbers up to UntilSerialNo are durable, except those listed in
// ExcludedSerialNos.
type CommitPoint struct {
	UntilSerialNo     int64
	ExcludedSerialNos []int64
}

// IsDurable reports whether the operation with serial number serial is
// covered by the commit point.
func (c CommitPoint) IsDurable(serial int64) bool {
	return serial <= c.UntilSerialNo && !slices.Contains(c.ExcludedSerialNos, serial)
}

// Clone returns a deep copy.
func (c CommitPoint) Clone() CommitPoint {
	return CommitPoint{UntilSerialNo: c.UntilSerialNo, ExcludedSerialNos: slices.Clone(c.ExcludedSerialNos)}
}

// SessionCommit is a session's name and commit point as recorded in a
// checkpoint. An empty Name means the session is anonymous.
type SessionCommit struct {
	Name  string
	Point CommitPoint
}
