package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumfirm/finhub/internal/config"
)

func TestInitStore_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	dsn := filepath.Join(tmpDir, "test.db")

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: dsn,
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	// When DatabaseURL is empty, initStore should default to "finhub.db".
	// Run in a temp dir so we don't create files in the project root.
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: "",
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	// Verify the default file was created.
	_, statErr := os.Stat(filepath.Join(tmpDir, "finhub.db"))
	assert.NoError(t, statErr)
}

func TestInitStore_PostgresBadURL(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "postgres",
			DatabaseURL: "not a connection string",
		},
	}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	assert.Error(t, err)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver: "mysql",
		},
	}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
