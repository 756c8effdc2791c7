package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// CheckpointVersion is the format version of HybridLogRecoveryInfo.
const CheckpointVersion = 4

// HybridLogRecoveryInfo describes the log side of a recovery point.
type HybridLogRecoveryInfo struct {
	Token           Token
	UseSnapshotFile int32
	Version         int64
	NextVersion     int64

	// FlushedLogicalAddress is the latest immutable log address at the time
	// of the checkpoint.
	FlushedLogicalAddress int64
	StartLogicalAddress   int64
	FinalLogicalAddress   int64
	// SnapshotFinalLogicalAddress ends the snapshot
	// [StartLogicalAddress, SnapshotFinalLogicalAddress). FinalLogicalAddress
	// may be higher because of delta records.
	SnapshotFinalLogicalAddress int64
	HeadAddress                 int64
	BeginAddress                int64
	DeltaTailAddress            int64
	ManualLockingActive         bool

	// CheckpointTokens collects session commit points while a checkpoint
	// is taken.
	CheckpointTokens *xsync.MapOf[int, SessionCommit]

	// ContinueTokens, SessionNameMap and MaxSessionID are filled when the
	// info is loaded.
	ContinueTokens map[int]SessionCommit
	SessionNameMap map[string]int
	MaxSessionID   int

	ObjectLogSegmentOffsets []int64
}

// Initialize resets the info for a new checkpoint.
func (i *HybridLogRecoveryInfo) Initialize(token Token, version int64) {
	*i = HybridLogRecoveryInfo{
		Token:            token,
		Version:          version,
		NextVersion:      version + 1,
		CheckpointTokens: xsync.NewMapOf[int, SessionCommit](),
	}
}

// AddSession records the commit point of a session for this checkpoint.
func (i *HybridLogRecoveryInfo) AddSession(id int, name string, point CommitPoint) {
	if i.CheckpointTokens == nil {
		i.CheckpointTokens = xsync.NewMapOf[int, SessionCommit]()
	}
	i.CheckpointTokens.Store(id, SessionCommit{Name: name, Point: point.Clone()})
}

type sessionEntry struct {
	id     int
	commit SessionCommit
}

// sessions returns the session table in id order. A freshly loaded info
// writes back the sessions it was loaded with.
func (i *HybridLogRecoveryInfo) sessions() []sessionEntry {
	var out []sessionEntry
	if i.CheckpointTokens != nil {
		i.CheckpointTokens.Range(func(id int, c SessionCommit) bool {
			out = append(out, sessionEntry{id: id, commit: c})
			return true
		})
	} else {
		for id, c := range i.ContinueTokens {
			out = append(out, sessionEntry{id: id, commit: c})
		}
	}
	slices.SortFunc(out, func(a, b sessionEntry) int { return a.id - b.id })
	return out
}

// Checksum combines the token, the address fields and the table sizes.
func (i *HybridLogRecoveryInfo) Checksum(sessionCount int) int64 {
	lo, hi := i.Token.halves()
	return lo ^ hi ^ i.Version ^ i.FlushedLogicalAddress ^ i.StartLogicalAddress ^
		i.FinalLogicalAddress ^ i.SnapshotFinalLogicalAddress ^ i.HeadAddress ^
		i.BeginAddress ^ int64(sessionCount) ^ int64(len(i.ObjectLogSegmentOffsets))
}

// addRecovered registers a session read from stored metadata.
func (i *HybridLogRecoveryInfo) addRecovered(id int, c SessionCommit) {
	if i.ContinueTokens == nil {
		i.ContinueTokens = make(map[int]SessionCommit)
	}
	i.ContinueTokens[id] = c
	if c.Name != "" {
		if i.SessionNameMap == nil {
			i.SessionNameMap = make(map[string]int)
		}
		i.SessionNameMap[c.Name] = id
	}
	if id > i.MaxSessionID {
		i.MaxSessionID = id
	}
}

// resetLoaded clears everything a load fills in.
func (i *HybridLogRecoveryInfo) resetLoaded() {
	*i = HybridLogRecoveryInfo{}
}

// SessionIDs returns the ids of the recovered sessions in ascending order.
func (i *HybridLogRecoveryInfo) SessionIDs() []int {
	return slices.Sorted(maps.Keys(i.ContinueTokens))
}

// RecoverOptions select which metadata version to load.
type RecoverOptions struct {
	// DeltaLog holds incremental metadata versions of the checkpoint.
	DeltaLog *DeltaLog
	// ScanDelta loads the newest version from DeltaLog instead of the base
	// checkpoint.
	ScanDelta bool
	// RecoverTo limits the delta scan to versions <= RecoverTo. Values <= 0
	// select the newest version.
	RecoverTo int64
}

// Recover loads the info of token from mgr and returns the commit cookie,
// which is nil if none was stored.
func (i *HybridLogRecoveryInfo) Recover(ctx context.Context, token Token, mgr Manager, ser Serializer, opts RecoverOptions) ([]byte, error) {
	data, err := mgr.GetLogCheckpointMetadata(ctx, token, opts.DeltaLog, opts.ScanDelta, opts.RecoverTo)
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		return nil, fmt.Errorf("checkpoint: load log metadata %s: %w", token, err)
	}
	if data == nil {
		return nil, &Error{Kind: KindLog, Token: token, Err: ErrMetadataNotFound}
	}
	cookie, err := ser.UnmarshalLog(data, i)
	if err != nil {
		return nil, &Error{Kind: KindLog, Token: token, Err: err}
	}
	return cookie, nil
}

// LogValue implements slog.LogValuer.
func (i *HybridLogRecoveryInfo) LogValue() slog.Value {
	sessions := len(i.ContinueTokens)
	if i.CheckpointTokens != nil {
		sessions = i.CheckpointTokens.Size()
	}
	return slog.GroupValue(
		slog.String("token", i.Token.String()),
		slog.Int64("version", i.Version),
		slog.Int64("next_version", i.NextVersion),
		slog.Bool("snapshot", i.UseSnapshotFile == 1),
		slog.Int64("flushed", i.FlushedLogicalAddress),
		slog.Int64("start", i.StartLogicalAddress),
		slog.Int64("final", i.FinalLogicalAddress),
		slog.Int64("snapshot_final", i.SnapshotFinalLogicalAddress),
		slog.Int64("head", i.HeadAddress),
		slog.Int64("begin", i.BeginAddress),
		slog.Int64("delta_tail", i.DeltaTailAddress),
		slog.Bool("manual_locking", i.ManualLockingActive),
		slog.Int("sessions", sessions),
	)
}
