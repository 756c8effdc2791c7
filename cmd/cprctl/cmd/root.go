// Package cmd implements the cprctl commands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/cprkv"
)

// Version of cprctl.
const Version = "0.1.0"

// app is the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	logger  *cprkv.Logger
	metrics *cprkv.VictoriaMetricsCollector
	gops    bool
}

// NewRootCmd builds the command tree. Flags can also be set as
// CPRCTL_<FLAG> environment variables, read from .env and .env.local.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "cprctl",
		Short: "manage cprkv checkpoints",
		Long: fmt.Sprintf(`cprctl (v%s)

Create, list, inspect, recover and purge checkpoints of a cprkv store.
The configuration can be set via command line flags or environment
variables of the form CPRCTL_<flag> (e.g. CPRCTL_BACKEND=sqlite).`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	key := "backend"
	root.PersistentFlags().String(key, "local", wrapString("Where checkpoints are stored (local, sqlite, s3, minio)"))
	key = "dir"
	root.PersistentFlags().String(key, "data", wrapString("Directory of the local and sqlite backends"))
	key = "bucket"
	root.PersistentFlags().String(key, "", wrapString("Bucket of the s3 and minio backends"))
	key = "prefix"
	root.PersistentFlags().String(key, "cprkv", wrapString("Key prefix inside the bucket"))
	key = "endpoint"
	root.PersistentFlags().String(key, "localhost:9000", wrapString("MinIO endpoint"))
	key = "access-key"
	root.PersistentFlags().String(key, "", wrapString("MinIO access key"))
	key = "secret-key"
	root.PersistentFlags().String(key, "", wrapString("MinIO secret key"))
	key = "secure"
	root.PersistentFlags().Bool(key, true, wrapString("Use TLS for MinIO"))
	key = "dynamodb-table"
	root.PersistentFlags().String(key, "", wrapString("DynamoDB table holding the latest checkpoint pointer (s3 backend only)"))
	key = "page-bits"
	root.PersistentFlags().Int(key, 12, wrapString("log2 of the records per directory page"))
	key = "log-level"
	root.PersistentFlags().String(key, "info", wrapString("Level at which logs are written (debug, info, warn, error)"))
	key = "metrics"
	root.PersistentFlags().Bool(key, false, wrapString("Print Prometheus metrics after the command"))
	key = "gops"
	root.PersistentFlags().Bool(key, false, wrapString("Start a gops agent for runtime diagnostics"))

	root.AddCommand(
		a.checkpointCmd(),
		a.recoverCmd(),
		a.listCmd(),
		a.inspectCmd(),
		a.purgeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of cprctl",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cprctl v%s\n", Version)
			},
		},
	)
	return root
}

// setup loads env files, binds the flags to viper and starts diagnostics.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("cprctl")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", a.v.GetString("log-level"))
	}
	a.logger = cprkv.NewLogger(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.metrics = cprkv.NewVictoriaMetricsCollector()

	if a.v.GetBool("gops") {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			return fmt.Errorf("gops: %w", err)
		}
		a.gops = true
	}
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.v.GetBool("metrics") {
		a.metrics.WritePrometheus(cmd.OutOrStdout())
	}
	if a.gops {
		agent.Close()
	}
	return nil
}

func (a *app) options() []cprkv.Option {
	return []cprkv.Option{
		cprkv.WithPageBits(a.v.GetInt("page-bits")),
		cprkv.WithLogger(a.logger),
		cprkv.WithMetricsCollector(a.metrics),
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
