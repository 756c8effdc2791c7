package session

// ReadFlags are the read options callers pass to the store.
type ReadFlags uint32

const (
	ReadFlagsNone               ReadFlags = 0
	ReadDisableReadCacheUpdates ReadFlags = 0x02
	ReadDisableReadCacheReads   ReadFlags = 0x04
	ReadCopyReadsToTail         ReadFlags = 0x08
	ReadCopyFromDeviceOnly      ReadFlags = 0x10
)

// OperationFlags describe how a pending operation was issued. Convert to
// and from ReadFlags or the packed form only through FlagsFromReadFlags,
// ReadFlags, Bits and FlagsFromBits.
type OperationFlags struct {
	DisableReadCacheUpdates bool
	DisableReadCacheReads   bool
	CopyReadsToTail         bool
	CopyFromDeviceOnly      bool

	// NoKey is set when the operation was issued without its key.
	NoKey                        bool
	IsAsync                      bool
	HasPrevHighestKeyHashAddress bool
	// HasExpiration is reserved.
	HasExpiration bool
}

// CopyReadsToTailFromReadOnly reports whether reads from the read-only
// region are copied to the tail.
func (f OperationFlags) CopyReadsToTailFromReadOnly() bool {
	return f.CopyReadsToTail && !f.CopyFromDeviceOnly
}
