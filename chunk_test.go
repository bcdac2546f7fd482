package farm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChunks(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		chunkSize  int
		want       []Chunk
	}{
		{
			name: "inverted range yields nothing",
			start: 1, end: 0, chunkSize: 5,
			want: nil,
		},
		{
			name: "single frame single chunk",
			start: 1, end: 1, chunkSize: 5,
			want: []Chunk{{FrameStart: 1, FrameEnd: 1, State: ChunkPending}},
		},
		{
			name: "range shorter than chunk size",
			start: 1, end: 3, chunkSize: 10,
			want: []Chunk{{FrameStart: 1, FrameEnd: 3, State: ChunkPending}},
		},
		{
			name: "range splits evenly",
			start: 1, end: 9, chunkSize: 3,
			want: []Chunk{
				{FrameStart: 1, FrameEnd: 3, State: ChunkPending},
				{FrameStart: 4, FrameEnd: 6, State: ChunkPending},
				{FrameStart: 7, FrameEnd: 9, State: ChunkPending},
			},
		},
		{
			name: "final chunk is a short remainder",
			start: 1, end: 10, chunkSize: 3,
			want: []Chunk{
				{FrameStart: 1, FrameEnd: 3, State: ChunkPending},
				{FrameStart: 4, FrameEnd: 6, State: ChunkPending},
				{FrameStart: 7, FrameEnd: 9, State: ChunkPending},
				{FrameStart: 10, FrameEnd: 10, State: ChunkPending},
			},
		},
		{
			name: "zero chunk size yields nothing",
			start: 1, end: 10, chunkSize: 0,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeChunks(tt.start, tt.end, tt.chunkSize)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunkRangeStr(t *testing.T) {
	assert.Equal(t, "5", Chunk{FrameStart: 5, FrameEnd: 5}.RangeStr())
	assert.Equal(t, "1-10", Chunk{FrameStart: 1, FrameEnd: 10}.RangeStr())
}
