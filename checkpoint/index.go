package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/cprkv/device"
)

// IndexCheckpointVersion is the format version of IndexRecoveryInfo.
const IndexCheckpointVersion = 1

// IndexRecoveryInfo describes the hash index side of a recovery point.
type IndexRecoveryInfo struct {
	Token               Token
	TableSize           int64
	NumHTBytes          uint64
	NumOFBBytes         uint64
	NumBuckets          int32
	StartLogicalAddress int64
	FinalLogicalAddress int64
}

// Initialize resets the info for a new checkpoint of a table with size
// buckets.
func (i *IndexRecoveryInfo) Initialize(token Token, size int64) {
	*i = IndexRecoveryInfo{Token: token, TableSize: size}
}

// Reset clears the info.
func (i *IndexRecoveryInfo) Reset() {
	*i = IndexRecoveryInfo{}
}

// Checksum combines the token with every other field.
func (i *IndexRecoveryInfo) Checksum() int64 {
	lo, hi := i.Token.halves()
	return lo ^ hi ^ i.TableSize ^ int64(i.NumHTBytes) ^ int64(i.NumOFBBytes) ^
		int64(i.NumBuckets) ^ i.StartLogicalAddress ^ i.FinalLogicalAddress
}

// Recover loads the info of token from mgr.
func (i *IndexRecoveryInfo) Recover(ctx context.Context, token Token, mgr Manager, ser Serializer) error {
	i.Token = token
	data, err := mgr.GetIndexCheckpointMetadata(ctx, token)
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		return fmt.Errorf("checkpoint: load index metadata %s: %w", token, err)
	}
	if data == nil {
		return &Error{Kind: KindIndex, Token: token, Err: ErrMetadataNotFound}
	}
	if err := ser.UnmarshalIndex(data, i); err != nil {
		return &Error{Kind: KindIndex, Token: token, Err: err}
	}
	return nil
}

// LogValue implements slog.LogValuer.
func (i *IndexRecoveryInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", i.Token.String()),
		slog.Int64("table_size", i.TableSize),
		slog.Uint64("ht_bytes", i.NumHTBytes),
		slog.Uint64("ofb_bytes", i.NumOFBBytes),
		slog.Int("buckets", int(i.NumBuckets)),
		slog.Int64("start", i.StartLogicalAddress),
		slog.Int64("final", i.FinalLogicalAddress),
	)
}

// IndexCheckpointInfo pairs the index metadata with the device the index
// pages are written to.
type IndexCheckpointInfo struct {
	Info   IndexRecoveryInfo
	Device device.Device
}

// Initialize prepares a new index checkpoint with mgr and opens its device.
func (c *IndexCheckpointInfo) Initialize(ctx context.Context, token Token, size int64, mgr Manager) error {
	c.Info.Initialize(token, size)
	if err := mgr.InitializeIndexCheckpoint(ctx, token); err != nil {
		return err
	}
	dev, err := mgr.GetIndexDevice(ctx, token)
	if err != nil {
		return err
	}
	c.Device = dev
	return nil
}

// Recover loads the index metadata of token.
func (c *IndexCheckpointInfo) Recover(ctx context.Context, token Token, mgr Manager, ser Serializer) error {
	return c.Info.Recover(ctx, token, mgr, ser)
}

// Reset clears the info and closes the device.
func (c *IndexCheckpointInfo) Reset() error {
	c.Info.Reset()
	var err error
	if c.Device != nil {
		err = c.Device.Close()
		c.Device = nil
	}
	return err
}

// IsDefault reports whether no checkpoint is set.
func (c *IndexCheckpointInfo) IsDefault() bool {
	return c.Info.Token.IsZero()
}
