package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"path":"a.md","n":3}`), 0o644))

	in, err := parseInputs([]string{"path=b.md", "q=x=y"}, file)
	require.NoError(t, err)
	assert.Equal(t, "b.md", in["path"])
	assert.Equal(t, "x=y", in["q"])
	assert.Equal(t, float64(3), in["n"])

	_, err = parseInputs([]string{"novalue"}, "")
	assert.Error(t, err)
}

func TestKeygenSignCheck(t *testing.T) {
	home, project := t.TempDir(), t.TempDir()
	t.Setenv("THREADS_HOME", home)

	item := filepath.Join(project, ".threads", "items", "tool", "fs", "list.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(item), 0o755))
	require.NoError(t, os.WriteFile(item, []byte("id: fs/list\ncommand: ls\n"), 0o644))

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append(args, "-C", project))
		err := rootCmd.Execute()
		return out.String(), err
	}

	_, err := run("check")
	assert.Error(t, err, "unsigned item must fail check")

	_, err = run("keygen")
	require.NoError(t, err)
	_, err = run("sign", "fs/list")
	require.NoError(t, err)

	out, err := run("check")
	require.NoError(t, err)
	assert.Contains(t, out, "fs/list")

	out, err = run("resolve", "fs/list")
	require.NoError(t, err)
	assert.Contains(t, out, "chain ")
}
