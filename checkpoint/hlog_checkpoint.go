package checkpoint

import (
	"context"

	"github.com/hupe1980/cprkv/device"
)

// HybridLogCheckpointInfo pairs the log metadata with the delta log of an
// incremental checkpoint.
type HybridLogCheckpointInfo struct {
	Info        HybridLogRecoveryInfo
	DeltaDevice device.Device
	DeltaLog    *DeltaLog
}

// Initialize prepares a new log checkpoint with mgr.
func (c *HybridLogCheckpointInfo) Initialize(ctx context.Context, token Token, version int64, mgr Manager) error {
	c.Info.Initialize(token, version)
	return mgr.InitializeLogCheckpoint(ctx, token)
}

// Recover loads the log metadata of token. When the checkpoint has a
// non-empty delta log it is opened and, if scanDelta is set, the newest
// version up to recoverTo is loaded from it.
func (c *HybridLogCheckpointInfo) Recover(ctx context.Context, token Token, mgr Manager, ser Serializer, scanDelta bool, recoverTo int64) ([]byte, error) {
	dev, err := mgr.GetDeltaLogDevice(ctx, token)
	if err != nil {
		return nil, err
	}
	if dev != nil {
		c.DeltaDevice = dev
		size, err := dev.FileSize(0)
		if err != nil {
			return nil, err
		}
		if size > 0 {
			dl, err := OpenDeltaLog(ctx, dev)
			if err != nil {
				return nil, err
			}
			c.DeltaLog = dl
			return c.Info.Recover(ctx, token, mgr, ser, RecoverOptions{DeltaLog: dl, ScanDelta: scanDelta, RecoverTo: recoverTo})
		}
	}
	return c.Info.Recover(ctx, token, mgr, ser, RecoverOptions{})
}

// IsDefault reports whether no checkpoint is set.
func (c *HybridLogCheckpointInfo) IsDefault() bool {
	return c.Info.Token.IsZero()
}

// Close releases the delta device.
func (c *HybridLogCheckpointInfo) Close() error {
	var err error
	if c.DeltaDevice != nil {
		err = c.DeltaDevice.Close()
	}
	c.DeltaDevice, c.DeltaLog = nil, nil
	return err
}
