package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	require.NoError(t, root.Execute(), "cprctl %s", strings.Join(args, " "))
	return out.String()
}

func TestCheckpointLifecycle(t *testing.T) {
	for _, backend := range []string{"local", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			common := []string{"--backend", backend, "--dir", t.TempDir(), "--page-bits", "6"}
			with := func(args ...string) []string { return append(append([]string{}, args...), common...) }

			out := run(t, with("checkpoint", "--records", "100", "--incremental", "2", "--session", "loader")...)
			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 3)
			fields := strings.Fields(lines[0])
			require.Equal(t, "checkpoint", fields[0])
			token := fields[1]
			assert.Equal(t, "serial=200", fields[2])
			assert.Contains(t, lines[2], "version=3")

			out = run(t, with("list")...)
			assert.Equal(t, token+"\tlog+index\n", out)

			out = run(t, with("recover", "--delta")...)
			assert.Contains(t, out, "recovered "+token+" version=3")
			assert.Contains(t, out, `session 0 "loader" until=400`)

			out = run(t, with("recover", token)...)
			assert.Contains(t, out, "version=1")
			assert.Contains(t, out, "until=200")

			out = run(t, with("inspect", token)...)
			assert.Contains(t, out, "index: page_size=64 records=116")
			assert.Contains(t, out, "log: version=1 next=2")
			assert.Contains(t, out, `cookie: "records=100"`)
			assert.Contains(t, out, "delta: version=2")
			assert.Contains(t, out, "delta: version=3")

			out = run(t, with("inspect", "--delta", token)...)
			assert.Contains(t, out, "log: version=3 next=4")

			out = run(t, with("purge", token)...)
			assert.Equal(t, "purged "+token+"\n", out)
			assert.Empty(t, run(t, with("list")...))
		})
	}
}

func TestMetricsFlag(t *testing.T) {
	out := run(t, "checkpoint", "--records", "10", "--dir", t.TempDir(), "--page-bits", "6", "--metrics")
	assert.Contains(t, out, "cprkv_checkpoints_total 1")
}

func TestInvalidBackend(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"list", "--backend", "tape"})
	require.ErrorContains(t, root.Execute(), "invalid backend tape")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "cprctl v"+Version+"\n", run(t, "version"))
}

func TestWrapString(t *testing.T) {
	s := wrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(s, "\n") {
		assert.LessOrEqual(t, len(line), wrap)
	}
}
