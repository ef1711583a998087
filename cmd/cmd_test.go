package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	crawler "github.com/andrewkchan/crawler"
)

// resetFlags re-defaults every bound flag so each runCommand invocation
// starts clean, the way a fresh process would. Flag variables bound with
// StringVarP etc. otherwise keep their values across Execute calls.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// exitStatus is panicked by the spoofed Exit so a command unwinds the same
// way it would under os.Exit.
type exitStatus int

func runCommand(t *testing.T, args ...string) (status int, stdout, stderr string) {
	t.Helper()

	var out, errOut bytes.Buffer
	status = -1
	old := Streams(CommanderStreams{
		Printf: func(format string, args ...interface{}) {
			fmt.Fprintf(&out, format, args...)
		},
		Errorf: func(format string, args ...interface{}) {
			fmt.Fprintf(&errOut, format, args...)
		},
		Exit: func(s int) {
			panic(exitStatus(s))
		},
	})
	defer Streams(old)
	defer crawler.SetDefaultConfig()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s, ok := r.(exitStatus)
		if !ok {
			panic(r)
		}
		status = int(s)
		stdout = out.String()
		stderr = errOut.String()
	}()

	resetFlags(commander.Command)
	commander.SetArgs(args)
	commander.Execute()
	return status, out.String(), errOut.String()
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
fabric:
  pods:
    - kv_path: %v/pod0/pod.db
  data_dirs:
    - %v/data0
  frontier_dir: %v/frontiers
coordinator:
  seen_capacity: 100000
console:
  enable: false
`, dir, dir, dir)
	path := filepath.Join(dir, "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestMissingConfigIsAConfigError(t *testing.T) {
	status, _, stderr := runCommand(t, "status", "--config", "/does/not/exist.yaml")
	require.Equal(t, ExitConfig, status)
	require.Contains(t, stderr, "config")
}

func TestInvalidConfigIsAConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_section:\n  x: 1\n"), 0644))

	status, _, stderr := runCommand(t, "status", "--config", path)
	require.Equal(t, ExitConfig, status)
	require.Contains(t, stderr, "bogus_section")
}

func TestStatusOnFreshFabric(t *testing.T) {
	config := writeTestConfig(t)

	status, stdout, _ := runCommand(t, "status", "--config", config)
	require.Equal(t, ExitOK, status)
	require.Contains(t, stdout, "pages_crawled: 0")
	require.Contains(t, stdout, "pod 0 frontier_urls: 0")
}

func TestSeedThenStatusSeesTheURL(t *testing.T) {
	config := writeTestConfig(t)

	status, stdout, _ := runCommand(t, "seed", "--config", config, "--url", "http://example.com/")
	require.Equal(t, ExitOK, status)
	require.Contains(t, stdout, "admitted 1 urls")

	status, stdout, _ = runCommand(t, "status", "--config", config)
	require.Equal(t, ExitOK, status)
	require.Contains(t, stdout, "pod 0 frontier_urls: 1")
}

func TestSeedFromFile(t *testing.T) {
	config := writeTestConfig(t)

	seedfile := filepath.Join(t.TempDir(), "seeds.txt")
	body := "# starter list\nhttp://a.com/\nhttp://b.org/\n\nhttp://a.com/\n"
	require.NoError(t, os.WriteFile(seedfile, []byte(body), 0644))

	// Seeds bypass the seen check, so the repeated URL is re-admitted.
	status, stdout, _ := runCommand(t, "seed", "--config", config, seedfile)
	require.Equal(t, ExitOK, status)
	require.Contains(t, stdout, "admitted 3 urls (0 dropped)")
}

func TestDumpConfigShowsEffectiveValues(t *testing.T) {
	config := writeTestConfig(t)

	status, stdout, _ := runCommand(t, "dump-config", "--config", config)
	require.Equal(t, ExitOK, status)
	require.Contains(t, stdout, "min_delay: 70s")
	require.Contains(t, stdout, "seen_capacity: 100000")
}

func TestSeedWithNothingToSeed(t *testing.T) {
	config := writeTestConfig(t)

	status, _, stderr := runCommand(t, "seed", "--config", config)
	require.Equal(t, ExitConfig, status)
	require.Contains(t, stderr, "nothing to seed")
}
