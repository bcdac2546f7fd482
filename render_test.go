package farm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneCall struct {
	jobID  string
	chunk  Chunk
	result ReportResult
	errMsg string
}

func newTestRenderCoordinator() (*RenderCoordinator, *[]doneCall) {
	var calls []doneCall
	onDone := func(jobID string, chunk Chunk, result ReportResult, errMsg string) {
		calls = append(calls, doneCall{jobID, chunk, result, errMsg})
	}
	r := NewRenderCoordinator(".", "node-a", NewMonitorLog(), nil, onDone)
	return r, &calls
}

func TestQueueDispatchAcceptsFirstDelivery(t *testing.T) {
	r, calls := newTestRenderCoordinator()
	man := Manifest{JobID: "job-x"}
	chunk := Chunk{FrameStart: 1, FrameEnd: 5}

	r.QueueDispatch("job-x", man, chunk)

	assert.Empty(t, *calls)
	item, ok := r.popPending()
	require.True(t, ok)
	assert.Equal(t, "job-x", item.jobID)
	assert.Equal(t, chunk, item.chunk)
}

func TestQueueDispatchRejectsDuplicateAlreadyQueued(t *testing.T) {
	r, calls := newTestRenderCoordinator()
	man := Manifest{JobID: "job-x"}
	chunk := Chunk{FrameStart: 1, FrameEnd: 5}

	r.QueueDispatch("job-x", man, chunk)
	r.QueueDispatch("job-x", man, chunk)

	require.Len(t, *calls, 1)
	assert.Equal(t, ResultFailed, (*calls)[0].result)
	assert.Equal(t, "worker_busy", (*calls)[0].errMsg)

	// The original delivery is still queued, untouched.
	_, ok := r.popPending()
	assert.True(t, ok)
	_, ok = r.popPending()
	assert.False(t, ok)
}

func TestQueueDispatchRejectsDuplicateOfActiveRender(t *testing.T) {
	r, calls := newTestRenderCoordinator()
	chunk := Chunk{FrameStart: 1, FrameEnd: 5}
	r.active = &ActiveRender{
		Manifest: Manifest{JobID: "job-x"},
		Chunk:    chunk,
	}

	r.QueueDispatch("job-x", Manifest{JobID: "job-x"}, chunk)

	require.Len(t, *calls, 1)
	assert.Equal(t, "worker_busy", (*calls)[0].errMsg)
	_, ok := r.popPending()
	assert.False(t, ok, "a duplicate of the active render must not be queued")
}

func TestQueueDispatchAllowsDifferentChunkWhileOneActive(t *testing.T) {
	r, calls := newTestRenderCoordinator()
	r.active = &ActiveRender{
		Manifest: Manifest{JobID: "job-x"},
		Chunk:    Chunk{FrameStart: 1, FrameEnd: 5},
	}

	r.QueueDispatch("job-x", Manifest{JobID: "job-x"}, Chunk{FrameStart: 6, FrameEnd: 10})

	assert.Empty(t, *calls)
	item, ok := r.popPending()
	require.True(t, ok)
	assert.Equal(t, "6-10", item.chunk.RangeStr())
}

func TestBuildCommandSubstitutesFrameTokens(t *testing.T) {
	man := Manifest{
		Cmd: map[string]string{runtimeOS(): "/usr/bin/render"},
		Flags: []Flag{
			{Flag: "-f", Value: ptrString("{frame}")},
			{Flag: "-o", Value: ptrString("out_{chunk_start}_{chunk_end}.exr")},
		},
	}
	chunk := Chunk{FrameStart: 10, FrameEnd: 20}

	cmd := buildCommand(man, chunk)

	assert.Equal(t, "/usr/bin/render", cmd.Executable)
	assert.Equal(t, []string{"-f", "10", "-o", "out_10_20.exr"}, cmd.Args)
}
