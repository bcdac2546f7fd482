package farm

import "strconv"

// ChunkState is a chunk's position in the dispatch table's state
// machine (spec.md §3 invariant 1).
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkAssigned  ChunkState = "assigned"
	ChunkCompleted ChunkState = "completed"
	ChunkFailed    ChunkState = "failed"
)

// Chunk is one entry of a job's dispatch table.
type Chunk struct {
	FrameStart    int        `json:"frame_start"`
	FrameEnd      int        `json:"frame_end"`
	State         ChunkState `json:"state"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	AssignedAtMs  int64      `json:"assigned_at_ms,omitempty"`
	CompletedAtMs int64      `json:"completed_at_ms,omitempty"`
	RetryCount    int        `json:"retry_count"`
}

// RangeStr renders the chunk's frame range the way event and stdout
// filenames encode it (spec.md §3/§6).
func (c Chunk) RangeStr() string {
	return rangeStr(c.FrameStart, c.FrameEnd)
}

func rangeStr(start, end int) string {
	if start == end {
		return strconv.Itoa(start)
	}
	return strconv.Itoa(start) + "-" + strconv.Itoa(end)
}

// DispatchTable is the coordinator's per-job chunk table.
type DispatchTable struct {
	CoordinatorID string  `json:"coordinator_id"`
	UpdatedAtMs   int64   `json:"updated_at_ms"`
	Chunks        []Chunk `json:"chunks"`
}

// ComputeChunks derives the deterministic chunk list for a frame
// range: [start, min(start+chunkSize-1, end)] stepping by chunkSize.
// An empty or inverted range yields no chunks.
func ComputeChunks(frameStart, frameEnd, chunkSize int) []Chunk {
	if frameStart > frameEnd || chunkSize < 1 {
		return nil
	}
	var chunks []Chunk
	for start := frameStart; start <= frameEnd; start += chunkSize {
		end := start + chunkSize - 1
		if end > frameEnd {
			end = frameEnd
		}
		chunks = append(chunks, Chunk{FrameStart: start, FrameEnd: end, State: ChunkPending})
	}
	return chunks
}
