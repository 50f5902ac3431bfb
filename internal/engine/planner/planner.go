// Package planner splits a transfer into byte-range chunks.
package planner

import (
	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

// Plan returns the chunk plan for req. It is a pure function of its inputs,
// so a persisted plan can always be recomputed on resume.
//
// Without range support, or when the length is unknown or zero, the plan is
// a single unbounded chunk. Otherwise the length is split into
// min(MaxConcurrentChunks, ceil(length/minChunkSize)) contiguous ranges whose
// sizes differ by at most one byte.
func Plan(req types.TransferRequest, contentLength int64, rangeSupport bool, minChunkSize int64) types.ChunkPlan {
	if minChunkSize <= 0 {
		minChunkSize = types.MinChunk
	}

	if !rangeSupport || contentLength <= 0 {
		total := contentLength
		if total < 0 {
			total = -1
		}
		return types.ChunkPlan{
			TotalSize:    total,
			RangeSupport: false,
			Chunks:       []types.ChunkSpec{{Index: 0, Start: 0, End: types.Unbounded}},
		}
	}

	n := ChunkCount(contentLength, req.MaxConcurrentChunks, minChunkSize)
	base := contentLength / int64(n)
	extra := contentLength % int64(n)

	chunks := make([]types.ChunkSpec, n)
	var offset int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < extra {
			size++
		}
		chunks[i] = types.ChunkSpec{Index: i, Start: offset, End: offset + size - 1}
		offset += size
	}

	return types.ChunkPlan{
		TotalSize:    contentLength,
		RangeSupport: true,
		Chunks:       chunks,
	}
}

// ChunkCount is min(maxChunks, ceil(length/minChunkSize)), at least 1.
func ChunkCount(length int64, maxChunks int, minChunkSize int64) int {
	if maxChunks < 1 {
		maxChunks = 1
	}
	if length <= 0 || minChunkSize <= 0 {
		return 1
	}
	bySize := (length + minChunkSize - 1) / minChunkSize
	if bySize < int64(maxChunks) {
		return int(bySize)
	}
	return maxChunks
}
