package farm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTiming() Timing {
	return Timing{HeartbeatIntervalMs: 500, ScanIntervalMs: 1000, DeadThresholdScans: 3}
}

func setupDispatch(t *testing.T, jobID string, maxRetries int) *DispatchManager {
	t.Helper()
	farmRoot := t.TempDir()
	log := NewMonitorLog()
	jobman := NewJobManager(farmRoot, log)
	hbman := NewHeartbeatManager(farmRoot, "coord", newTestTiming(), Heartbeat{OS: "linux"}, log)

	man := Manifest{
		JobID:      jobID,
		Cmd:        map[string]string{"linux": "/usr/bin/render"},
		FrameStart: 1,
		FrameEnd:   9,
		ChunkSize:  3,
		MaxRetries: maxRetries,
	}
	require.NoError(t, jobman.SubmitJob(man, 0, "coord"))
	jobman.ScanOnce()

	onLocal := func(jobID string, man Manifest, chunk Chunk) {}
	return NewDispatchManager(farmRoot, "coord", newTestTiming(), jobman, hbman, nil, log, onLocal)
}

func TestDispatchAssignsToIdleSelf(t *testing.T) {
	dispman := setupDispatch(t, "job-a", 3)
	dispman.Update(true)

	table, ok := dispman.TableSnapshot("job-a")
	require.True(t, ok)
	require.Len(t, table.Chunks, 3)
	assert.Equal(t, ChunkAssigned, table.Chunks[0].State)
	assert.Equal(t, "coord", table.Chunks[0].AssignedTo)
	assert.Equal(t, ChunkPending, table.Chunks[1].State)
}

func TestDispatchRetryThenExhaustion(t *testing.T) {
	dispman := setupDispatch(t, "job-b", 2)
	dispman.Update(true) // assigns chunk (1,3) to self

	report := ChunkReport{JobID: "job-b", FrameStart: 1, FrameEnd: 3, Result: ResultFailed, Worker: "coord"}

	dispman.ReportLocal(report)
	dispman.Update(true) // retry_count -> 1, back to pending, may reassign
	table, _ := dispman.TableSnapshot("job-b")
	idx := findChunkLocked(&table, 1, 3)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, 1, table.Chunks[idx].RetryCount)

	dispman.ReportLocal(report)
	dispman.Update(true) // retry_count -> 2 == max_retries, terminal failed
	table, _ = dispman.TableSnapshot("job-b")
	idx = findChunkLocked(&table, 1, 3)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, ChunkFailed, table.Chunks[idx].State)
	assert.Equal(t, 2, table.Chunks[idx].RetryCount)
}

func TestDispatchCompletedChunkNeverRevived(t *testing.T) {
	dispman := setupDispatch(t, "job-c", 3)
	dispman.Update(true)

	dispman.ReportLocal(ChunkReport{JobID: "job-c", FrameStart: 1, FrameEnd: 3, Result: ResultCompleted, Worker: "coord"})
	dispman.Update(true)

	table, _ := dispman.TableSnapshot("job-c")
	idx := findChunkLocked(&table, 1, 3)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, ChunkCompleted, table.Chunks[idx].State)

	// A stray duplicate report about the same, already-completed chunk
	// must not move it backwards (spec.md §3 invariant 8).
	dispman.ReportLocal(ChunkReport{JobID: "job-c", FrameStart: 1, FrameEnd: 3, Result: ResultFailed, Worker: "coord"})
	dispman.Update(true)
	table, _ = dispman.TableSnapshot("job-c")
	idx = findChunkLocked(&table, 1, 3)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, ChunkCompleted, table.Chunks[idx].State)
	assert.Equal(t, 0, table.Chunks[idx].RetryCount)
}
