package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/cprkv"
	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
)

// bucket is the record type cprctl writes: one hash bucket of seven
// entries and an overflow pointer.
type bucket [8]uint64

func pattern(i int64, round uint64) bucket {
	var b bucket
	for j := range b {
		b[j] = uint64(i)*uint64(len(b)) + uint64(j) + round<<32
	}
	return b
}

const cookiePrefix = "records="

func parseCookie(c []byte) (int64, bool) {
	s, ok := strings.CutPrefix(string(c), cookiePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func (a *app) withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr checkpoint.Manager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := a.openManager(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()
	return fn(ctx, mgr)
}

func (a *app) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a store of generated records and checkpoint it",
		Long: `Allocates the given number of records in a new store, fills them with a
deterministic pattern, and takes a full checkpoint. With --incremental the
records are rewritten that many times, each round followed by an
incremental checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, _ := cmd.Flags().GetInt64("records")
			rounds, _ := cmd.Flags().GetInt("incremental")
			name, _ := cmd.Flags().GetString("session")

			return a.withManager(cmd, func(ctx context.Context, mgr checkpoint.Manager) error {
				opts := append(a.options(), cprkv.WithCommitCookie(func() []byte {
					return []byte(cookiePrefix + strconv.FormatInt(records, 10))
				}))
				st, err := cprkv.Open[bucket](mgr, opts...)
				if err != nil {
					return err
				}
				defer st.Close()

				sess, err := st.NewSession(name)
				if err != nil {
					return err
				}
				addrs := make([]int64, 0, records)
				for i := int64(0); i < records; i++ {
					addr, _, err := sess.Allocate()
					if err != nil {
						return err
					}
					if _, err := sess.Upsert(addr, pattern(i, 0)); err != nil {
						return err
					}
					addrs = append(addrs, addr)
				}

				token, err := st.Checkpoint(ctx)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "checkpoint %s serial=%d\n", token, sess.SerialNum())

				for r := 1; r <= rounds; r++ {
					for i, addr := range addrs {
						if _, err := sess.Upsert(addr, pattern(int64(i), uint64(r))); err != nil {
							return err
						}
					}
					v, err := st.CheckpointIncremental(ctx)
					if err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), "incremental %s version=%d serial=%d\n", token, v, sess.SerialNum())
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64("records", 1000, wrapString("Number of records to write"))
	cmd.Flags().Int("incremental", 0, wrapString("Number of incremental checkpoints after the full one"))
	cmd.Flags().String("session", "cprctl", wrapString("Name of the writing session"))
	return cmd
}

func (a *app) recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover [token]",
		Short: "Recover a checkpoint and report what it restores",
		Long: `Recovers the given checkpoint, or the newest one, into a new store and
prints its version and session commit points. Records written by the
checkpoint command are verified against their pattern.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := checkpoint.NilToken
			if len(args) == 1 {
				var err error
				if token, err = checkpoint.ParseToken(args[0]); err != nil {
					return err
				}
			}
			var ropts []cprkv.RecoverOption
			if delta, _ := cmd.Flags().GetBool("delta"); delta {
				ropts = append(ropts, cprkv.WithDeltaScan())
			}
			if cmd.Flags().Changed("recover-to") {
				v, _ := cmd.Flags().GetInt64("recover-to")
				ropts = append(ropts, cprkv.WithRecoverTo(v))
			}

			return a.withManager(cmd, func(ctx context.Context, mgr checkpoint.Manager) error {
				st, err := cprkv.Open[bucket](mgr, a.options()...)
				if err != nil {
					return err
				}
				defer st.Close()

				cookie, err := st.Recover(ctx, token, ropts...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printf(out, "recovered %s version=%d records=%d\n",
					st.LastCheckpoint(), st.RecoveredVersion(), st.Directory().MaxValidAddress())
				for _, s := range st.RecoveredSessions() {
					printf(out, "session %d %q until=%d excluded=%v\n",
						s.ID, s.Name, s.Point.UntilSerialNo, s.Point.ExcludedSerialNos)
				}
				if n, ok := parseCookie(cookie); ok {
					return verify(st, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("delta", false, wrapString("Recover the newest version in the delta log"))
	cmd.Flags().Int64("recover-to", 0, wrapString("Recover the newest delta version up to this one"))
	return cmd
}

var errPatternMismatch = errors.New("record does not match any written pattern")

// verify checks the n records written by the checkpoint command, which
// start after the null sentinel. Every record must hold the pattern of
// one round, the same round throughout.
func verify(st *cprkv.Store[bucket], n int64) error {
	dir := st.Directory()
	first := int64(allocator.AllocateChunkSize)
	if first+n > dir.MaxValidAddress() {
		return fmt.Errorf("%w: %d records expected, high-water mark %d", errPatternMismatch, n, dir.MaxValidAddress())
	}
	round := dir.Get(first)[0] >> 32
	for i := int64(0); i < n; i++ {
		if got := dir.Get(first + i); got != pattern(i, round) {
			return fmt.Errorf("%w: address %d", errPatternMismatch, first+i)
		}
	}
	return nil
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List committed checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr checkpoint.Manager) error {
				logs, err := mgr.GetLogCheckpointTokens(ctx)
				if err != nil {
					return err
				}
				indexes, err := mgr.GetIndexCheckpointTokens(ctx)
				if err != nil {
					return err
				}
				hasIndex := make(map[checkpoint.Token]bool, len(indexes))
				for _, t := range indexes {
					hasIndex[t] = true
				}
				for _, t := range logs {
					kind := "log"
					if hasIndex[t] {
						kind = "log+index"
					}
					printf(cmd.OutOrStdout(), "%s\t%s\n", t, kind)
				}
				return nil
			})
		},
	}
}

func (a *app) inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Print the metadata of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := checkpoint.ParseToken(args[0])
			if err != nil {
				return err
			}
			delta, _ := cmd.Flags().GetBool("delta")

			return a.withManager(cmd, func(ctx context.Context, mgr checkpoint.Manager) error {
				ser := checkpoint.AutoSerializer{Serializer: checkpoint.DefaultSerializer}
				out := cmd.OutOrStdout()

				var idx checkpoint.IndexRecoveryInfo
				if err := idx.Recover(ctx, token, mgr, ser); err == nil {
					printf(out, "index: page_size=%d records=%d bytes=%d start=%d final=%d\n",
						idx.TableSize, idx.NumBuckets, idx.NumOFBBytes, idx.StartLogicalAddress, idx.FinalLogicalAddress)
				} else if !errors.Is(err, checkpoint.ErrMetadataNotFound) {
					return err
				}

				var hlog checkpoint.HybridLogCheckpointInfo
				defer hlog.Close()
				cookie, err := hlog.Recover(ctx, token, mgr, ser, delta, 0)
				if err != nil {
					return err
				}
				info := &hlog.Info
				printf(out, "log: version=%d next=%d begin=%d head=%d flushed=%d start=%d final=%d snapshot=%d delta_tail=%d\n",
					info.Version, info.NextVersion, info.BeginAddress, info.HeadAddress, info.FlushedLogicalAddress,
					info.StartLogicalAddress, info.FinalLogicalAddress, info.SnapshotFinalLogicalAddress, info.DeltaTailAddress)
				for _, id := range info.SessionIDs() {
					c := info.ContinueTokens[id]
					printf(out, "session %d %q until=%d excluded=%v\n", id, c.Name, c.Point.UntilSerialNo, c.Point.ExcludedSerialNos)
				}
				if len(cookie) > 0 {
					printf(out, "cookie: %q\n", cookie)
				}
				if hlog.DeltaLog != nil {
					for _, e := range hlog.DeltaLog.Entries() {
						printf(out, "delta: version=%d type=%s offset=%d size=%d\n", e.Version, e.Type, e.Offset, e.Size)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("delta", false, wrapString("Show the newest version in the delta log"))
	return cmd
}

func (a *app) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <token>...",
		Short: "Remove checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := make([]checkpoint.Token, 0, len(args))
			for _, arg := range args {
				t, err := checkpoint.ParseToken(arg)
				if err != nil {
					return err
				}
				tokens = append(tokens, t)
			}
			return a.withManager(cmd, func(ctx context.Context, mgr checkpoint.Manager) error {
				for _, t := range tokens {
					if err := mgr.Purge(ctx, t); err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), "purged %s\n", t)
				}
				return nil
			})
		},
	}
}
