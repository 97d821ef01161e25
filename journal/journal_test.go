// SPDX-License-Identifier: GPL-3.0-or-later

package journal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/journal"
)

type recordingExecutor struct {
	executed []journal.Entry
}

func (r *recordingExecutor) Execute(e journal.Entry) error {
	r.executed = append(r.executed, e)
	return nil
}

func TestAppendAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)

	require.NoError(t, j.RecordInstall("foo", "1.0-1"))
	require.NoError(t, j.RecordConfigure("foo"))

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.CmdPurge, entries[0].Command)
	assert.Equal(t, []string{"foo"}, entries[0].Args)
	assert.Equal(t, journal.CmdDeconfigure, entries[1].Command)
}

func TestReplayRunsInReverseOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)

	require.NoError(t, j.RecordInstall("foo", "1.0-1"))
	require.NoError(t, j.RecordConfigure("foo"))

	exec := &recordingExecutor{}
	require.NoError(t, j.Replay(exec))

	require.Len(t, exec.executed, 2)
	assert.Equal(t, journal.CmdDeconfigure, exec.executed[0].Command)
	assert.Equal(t, journal.CmdPurge, exec.executed[1].Command)
}

func TestRecoverReadsPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordRemoval("bar", true, "bar_1.0-1_amd64.wpkg"))
	require.NoError(t, j.Close())

	recovered, err := journal.Recover(path)
	require.NoError(t, err)
	entries := recovered.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.CmdInstall, entries[0].Command)
	assert.Equal(t, []string{"bar_1.0-1_amd64.wpkg"}, entries[0].Args)
}

func TestRecordRemovalUnconfiguredUsesUnpack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordRemoval("bar", false, "bar_1.0-1_amd64.wpkg"))

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.CmdUnpack, entries[0].Command)
}

func TestDiscardRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordInstall("foo", "1.0-1"))
	require.NoError(t, j.Discard())

	assert.False(t, journal.Exists(path))
}

func TestExistsReportsPresence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	assert.False(t, journal.Exists(path))

	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.True(t, journal.Exists(path))
}
