package farm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandManagerPollArchivesAndEnqueues(t *testing.T) {
	farmRoot := t.TempDir()
	log := NewMonitorLog()
	m := NewCommandManager(farmRoot, "node-a", log)

	cmd := Command{Version: 1, MsgID: "1000.node-b", From: "node-b", Target: "node-a", Type: CmdStopAll}
	inbox := filepath.Join(farmRoot, "commands", "node-a", "1000.node-b.json")
	require.NoError(t, WriteJSON(inbox, cmd))

	m.poll()

	actions := m.PopActions()
	require.Len(t, actions, 1)
	assert.Equal(t, CmdStopAll, actions[0].Type)
	assert.False(t, PathExists(inbox), "inbox entry should be archived")
	assert.True(t, PathExists(filepath.Join(farmRoot, "commands", "node-a", "processed", "1000.node-b.json")))
}

func TestCommandManagerDropsRedeliveredMsgID(t *testing.T) {
	farmRoot := t.TempDir()
	log := NewMonitorLog()
	m := NewCommandManager(farmRoot, "node-a", log)

	cmd := Command{Version: 1, MsgID: "2000.node-b", From: "node-b", Target: "node-a", Type: CmdResumeAll}
	first := filepath.Join(farmRoot, "commands", "node-a", "2000.node-b.json")
	require.NoError(t, WriteJSON(first, cmd))
	m.poll()
	require.Len(t, m.PopActions(), 1)

	// Same msg_id resurfaces under a different filename, as if the
	// inbox were rescanned before the first copy was archived.
	second := filepath.Join(farmRoot, "commands", "node-a", "2000.node-b.retry.json")
	require.NoError(t, WriteJSON(second, cmd))
	m.poll()

	assert.Empty(t, m.PopActions(), "a msg_id already seen must not be enqueued twice")
}

func TestCommandManagerSendCommandWritesInboxFile(t *testing.T) {
	farmRoot := t.TempDir()
	log := NewMonitorLog()
	m := NewCommandManager(farmRoot, "node-a", log)

	fs, fe := 1, 5
	require.NoError(t, m.SendCommand("node-b", CmdAssignChunk, "job-x", "", &fs, &fe))

	files, err := listFiles(filepath.Join(farmRoot, "commands", "node-b"), ".json")
	require.NoError(t, err)
	require.Len(t, files, 1)

	var got Command
	require.True(t, SafeReadJSON(filepath.Join(farmRoot, "commands", "node-b", files[0]), &got))
	assert.Equal(t, CmdAssignChunk, got.Type)
	assert.Equal(t, "job-x", got.JobID)
	assert.Equal(t, "node-a", got.From)
	require.NotNil(t, got.FrameStart)
	assert.Equal(t, 1, *got.FrameStart)
}
