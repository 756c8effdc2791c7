package checkpoint

import "bytes"

// Serializer converts recovery infos to and from bytes. Unmarshal functions
// verify the format version and the checksum.
type Serializer interface {
	// Name identifies the format.
	Name() string
	MarshalLog(info *HybridLogRecoveryInfo, cookie []byte) ([]byte, error)
	// UnmarshalLog replaces info with the stored one and returns the commit
	// cookie, nil if there is none.
	UnmarshalLog(data []byte, info *HybridLogRecoveryInfo) ([]byte, error)
	MarshalIndex(info *IndexRecoveryInfo) ([]byte, error)
	UnmarshalIndex(data []byte, info *IndexRecoveryInfo) error
}

// DefaultSerializer is the line oriented text format.
var DefaultSerializer Serializer = TextSerializer{}

// DetectSerializer returns the serializer that wrote data.
func DetectSerializer(data []byte) Serializer {
	if bytes.HasPrefix(data, binaryMagic[:]) {
		return BinarySerializer{}
	}
	return TextSerializer{}
}

// AutoSerializer writes with the embedded Serializer and reads any format
// DetectSerializer recognizes.
type AutoSerializer struct {
	Serializer
}

// UnmarshalLog decodes data in the format it was written in.
func (a AutoSerializer) UnmarshalLog(data []byte, info *HybridLogRecoveryInfo) ([]byte, error) {
	return DetectSerializer(data).UnmarshalLog(data, info)
}

// UnmarshalIndex decodes data in the format it was written in.
func (a AutoSerializer) UnmarshalIndex(data []byte, info *IndexRecoveryInfo) error {
	return DetectSerializer(data).UnmarshalIndex(data, info)
}
