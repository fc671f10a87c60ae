package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/infrastructure/storage"
)

func TestNewVault_ResolvesUnderLocalRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "in"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "in", "a.txt"), []byte("plain"), 0o644))

	local, err := storage.NewLocalStorage(root)
	require.NoError(t, err)
	v, err := newVault(types.VaultConfig{
		SaltFile: ".multidrive/vault.salt",
		WorkDir:  ".multidrive/encrypted",
		Password: "pw",
	}, local)
	require.NoError(t, err)
	require.True(t, v.Unlocked())

	enc, err := v.Encrypt(context.Background(), "/in/a.txt")
	require.NoError(t, err)

	// the local adapter sees the encrypted copy at the returned path
	meta, err := local.GetFileMetadata(context.Background(), enc)
	require.NoError(t, err)
	assert.Positive(t, meta.Size)
	assert.FileExists(t, filepath.Join(root, ".multidrive", "vault.salt"))
}

func TestNewVault_StaysLockedWithoutPassword(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	v, err := newVault(types.VaultConfig{SaltFile: "salt", WorkDir: "work"}, local)
	require.NoError(t, err)
	assert.False(t, v.Unlocked())
}
