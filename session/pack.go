package session

// Packed layouts shared with persisted and external formats. Nothing else
// in the module shifts or masks these values.

const (
	opBasicMask     = 0x00FF
	opAdvancedShift = 4

	flagDisableReadCacheUpdates      uint16 = 0x0001
	flagDisableReadCacheReads        uint16 = 0x0002
	flagCopyReadsToTail              uint16 = 0x0004
	flagCopyFromDeviceOnly           uint16 = 0x0008
	flagNoKey                        uint16 = 0x0100
	flagIsAsync                      uint16 = 0x0200
	flagHasPrevHighestKeyHashAddress uint16 = 0x0400
	flagHasExpiration                uint16 = 0x8000

	// readFlagsShift aligns ReadFlags with the low operation flag bits.
	readFlagsShift = 1
	readFlagsMask  = ReadDisableReadCacheUpdates | ReadDisableReadCacheReads | ReadCopyReadsToTail | ReadCopyFromDeviceOnly
)

// Pack encodes s in 16 bits: the OpCode in the low byte and the
// provenance nibble in bits 8..11.
func (s OperationStatus) Pack() uint16 {
	return uint16(s.Code)&opBasicMask | uint16(s.Provenance)<<opAdvancedShift
}

// UnpackOperationStatus decodes the result of Pack.
func UnpackOperationStatus(v uint16) OperationStatus {
	return OperationStatus{
		Code:       OpCode(v & opBasicMask),
		Provenance: Provenance(v >> opAdvancedShift & uint16(statusAdvancedMask)),
	}
}

// Bits encodes f in 16 bits.
func (f OperationFlags) Bits() uint16 {
	var b uint16
	set := func(on bool, bit uint16) {
		if on {
			b |= bit
		}
	}
	set(f.DisableReadCacheUpdates, flagDisableReadCacheUpdates)
	set(f.DisableReadCacheReads, flagDisableReadCacheReads)
	set(f.CopyReadsToTail, flagCopyReadsToTail)
	set(f.CopyFromDeviceOnly, flagCopyFromDeviceOnly)
	set(f.NoKey, flagNoKey)
	set(f.IsAsync, flagIsAsync)
	set(f.HasPrevHighestKeyHashAddress, flagHasPrevHighestKeyHashAddress)
	set(f.HasExpiration, flagHasExpiration)
	return b
}

// FlagsFromBits decodes the result of Bits. Unknown bits are dropped.
func FlagsFromBits(b uint16) OperationFlags {
	return OperationFlags{
		DisableReadCacheUpdates:      b&flagDisableReadCacheUpdates != 0,
		DisableReadCacheReads:        b&flagDisableReadCacheReads != 0,
		CopyReadsToTail:              b&flagCopyReadsToTail != 0,
		CopyFromDeviceOnly:           b&flagCopyFromDeviceOnly != 0,
		NoKey:                        b&flagNoKey != 0,
		IsAsync:                      b&flagIsAsync != 0,
		HasPrevHighestKeyHashAddress: b&flagHasPrevHighestKeyHashAddress != 0,
		HasExpiration:                b&flagHasExpiration != 0,
	}
}

// FlagsFromReadFlags builds the flags of an operation issued with rf.
func FlagsFromReadFlags(rf ReadFlags, noKey bool) OperationFlags {
	f := FlagsFromBits(uint16((rf & readFlagsMask) >> readFlagsShift))
	f.NoKey = noKey
	return f
}

// ReadFlags returns the read options part of f.
func (f OperationFlags) ReadFlags() ReadFlags {
	return ReadFlags(f.Bits()&0x000F) << readFlagsShift
}
