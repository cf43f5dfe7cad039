package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"all", "serve", "worker", "migrate"})
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"migrate", "--env-file", ""})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "only apply to postgres")
}

func TestServeRejectsMemoryBackends(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--env-file", ""})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "external database")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PRERENDER_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("PRERENDER_TEST_DOTENV") })

	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "loaded", os.Getenv("PRERENDER_TEST_DOTENV"))

	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadEnvFile(""))
}
