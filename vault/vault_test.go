// SPDX-License-Identifier: GPL-3.0-or-later

package vault_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/vault"
)

func TestBackupRestoreRevertsModifiedFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	v := vault.New(filepath.Join(dir, "backup"), nil)
	ok, err := v.Backup(target)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(target, []byte("modified"), 0644))
	require.NoError(t, v.Restore())

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestBackupRestoreRemovesCreatedFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "new.conf")

	v := vault.New(filepath.Join(dir, "backup"), nil)
	ok, err := v.Backup(target)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(target, []byte("created"), 0644))
	require.NoError(t, v.Restore())

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupSamePathTwiceIsNoop(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))

	v := vault.New(filepath.Join(dir, "backup"), nil)
	ok1, err := v.Backup(target)
	require.NoError(t, err)
	ok2, err := v.Backup(target)
	require.NoError(t, err)

	assert.True(t, ok1)
	assert.False(t, ok2)
}

func TestCloseWithoutCommitRestores(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	v := vault.New(filepath.Join(dir, "backup"), nil)
	_, err := v.Backup(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("modified"), 0644))

	v.Close()

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestCommitThenCloseLeavesStateStanding(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	v := vault.New(filepath.Join(dir, "backup"), nil)
	_, err := v.Backup(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("modified"), 0644))

	v.Commit()
	v.Close()

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "modified", string(content))
}

func TestRestoreRemovesBackupSlots(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backup")
	target := filepath.Join(dir, "foo.conf")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	v := vault.New(backupDir, nil)
	_, err := v.Backup(target)
	require.NoError(t, err)
	require.NoError(t, v.Restore())

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
