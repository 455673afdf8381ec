package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksaelezovic/sage/pkg/server/results"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sage", cmd.Use)
	assert.Contains(t, cmd.Long, "preemption")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "query", "explain", "load", "update"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestQueryCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	queryCmd, _, err := cmd.Find([]string{"query"})
	require.NoError(t, err)

	for _, name := range []string{"file", "next", "graph", "threshold", "steps", "all", "format"} {
		assert.NotNil(t, queryCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "json", queryCmd.Flags().Lookup("format").DefValue)
}

const graphURI = "http://example.org/graph"

// newConfig writes a configuration with one badger graph in a temp dir
func newConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
max_results: 100
graphs:
  - name: test
    uri: %s
    backend: badger
    path: %s
`, graphURI, filepath.Join(dir, "db"))
	path := filepath.Join(dir, "sage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeData(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "<http://example.org/s%d> <http://example.org/p> \"%03d\" .\n", i, i)
	}
	path := filepath.Join(t.TempDir(), "data.nt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestLoadAndQuery(t *testing.T) {
	cfg := newConfig(t)

	out, err := run(t, "--config", cfg, "load", writeData(t, 30))
	require.NoError(t, err)
	assert.Contains(t, out, "loaded 30 triples")

	query := `SELECT ?s ?o WHERE { ?s <http://example.org/p> ?o }`
	out, err = run(t, "--config", cfg, "query", query)
	require.NoError(t, err)
	page, mappings, err := results.ParseJSON([]byte(out))
	require.NoError(t, err)
	assert.False(t, page.HasNext)
	assert.Len(t, mappings, 30)

	t.Run("resume with next", func(t *testing.T) {
		out, err := run(t, "--config", cfg, "query", "--steps", "10", query)
		require.NoError(t, err)
		page, first, err := results.ParseJSON([]byte(out))
		require.NoError(t, err)
		require.True(t, page.HasNext)

		out, err = run(t, "--config", cfg, "query", "--all", "--next", *page.Next)
		require.NoError(t, err)
		_, rest, err := results.ParseJSON([]byte(out))
		require.NoError(t, err)
		assert.Len(t, append(first, rest...), 30)
	})

	t.Run("all with steps", func(t *testing.T) {
		out, err := run(t, "--config", cfg, "query", "--all", "--steps", "7", "--format", "csv", query)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		assert.Len(t, lines, 31)
		assert.Equal(t, "s,o", strings.TrimSpace(lines[0]))
	})

	t.Run("top-k merged across quanta", func(t *testing.T) {
		out, err := run(t, "--config", cfg, "query", "--all", "--steps", "5",
			`SELECT ?s ?o WHERE { ?s <http://example.org/p> ?o } ORDER BY DESC(?o) LIMIT 3`)
		require.NoError(t, err)
		_, mappings, err := results.ParseJSON([]byte(out))
		require.NoError(t, err)
		var values []string
		for _, mu := range mappings {
			values = append(values, mu["?o"])
		}
		assert.ElementsMatch(t, []string{`"029"`, `"028"`, `"027"`}, values)
	})
}

func TestUpdateAndExplain(t *testing.T) {
	cfg := newConfig(t)

	out, err := run(t, "--config", cfg, "update",
		`INSERT DATA { <http://example.org/a> <http://example.org/p> "x" . <http://example.org/b> <http://example.org/p> "y" }`)
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 2, deleted 0")

	_, err = run(t, "--config", cfg, "update", `DELETE DATA { <http://example.org/c> <http://example.org/p> "z" }`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = run(t, "--config", cfg, "explain", `SELECT * WHERE { ?s <http://example.org/p> ?o } LIMIT 1`)
	require.NoError(t, err)
	assert.Contains(t, out, "Limit(1)")
	assert.Contains(t, out, "Scan(?s <http://example.org/p> ?o @ <"+graphURI+">, card=2)")
}

func TestCommandErrors(t *testing.T) {
	cfg := newConfig(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no query", []string{"query"}, ExitCommandError},
		{"bad format", []string{"query", "--format", "yaml", "SELECT * WHERE { ?s ?p ?o }"}, ExitCommandError},
		{"parse error", []string{"query", "SELECT WHERE {"}, ExitCommandError},
		{"unsupported", []string{"query", "SELECT DISTINCT ?s WHERE { ?s ?p ?o }"}, ExitCommandError},
		{"missing file", []string{"load", "/nonexistent/data.nt"}, ExitCommandError},
		{"bad config", []string{"query", "--next", "x"}, ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", cfg}, tt.args...)
			if tt.name == "bad config" {
				args = append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, tt.args...)
			}
			_, err := run(t, args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
		})
	}
}
