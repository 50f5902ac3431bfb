package planner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

func request(maxChunks int) types.TransferRequest {
	return types.TransferRequest{
		ID:                  "t1",
		SourceURL:           "https://example.com/f",
		DestinationPath:     "/tmp/f",
		MaxConcurrentChunks: maxChunks,
	}
}

func TestPlan_TenMiBFourChunks(t *testing.T) {
	plan := Plan(request(4), 10*types.MB, true, types.MinChunk)

	require.Len(t, plan.Chunks, 4)
	assert.True(t, plan.RangeSupport)
	assert.Equal(t, int64(10*types.MB), plan.TotalSize)
	for i, c := range plan.Chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, int64(10*types.MB/4), c.Length(), "chunk %d", i)
	}
	assert.NoError(t, plan.Validate())
}

func TestPlan_NoRangeSupport(t *testing.T) {
	plan := Plan(request(8), 50*types.MB, false, types.MinChunk)

	require.Len(t, plan.Chunks, 1)
	assert.False(t, plan.Chunks[0].Bounded())
	assert.Equal(t, int64(0), plan.Chunks[0].Start)
	assert.Equal(t, int64(50*types.MB), plan.TotalSize)
}

func TestPlan_UnknownOrEmptyLength(t *testing.T) {
	unknown := Plan(request(8), -1, true, types.MinChunk)
	require.Len(t, unknown.Chunks, 1)
	assert.False(t, unknown.Chunks[0].Bounded())
	assert.False(t, unknown.KnownSize())

	empty := Plan(request(8), 0, true, types.MinChunk)
	require.Len(t, empty.Chunks, 1)
	assert.False(t, empty.Chunks[0].Bounded())
	assert.Equal(t, int64(0), empty.TotalSize)
}

func TestPlan_SmallFileUsesFewChunks(t *testing.T) {
	// 2.5 MiB with a 1 MiB floor gives 3 chunks even though 16 are allowed
	plan := Plan(request(16), 5*types.MB/2, true, types.MinChunk)
	assert.Len(t, plan.Chunks, 3)

	tiny := Plan(request(16), 10, true, types.MinChunk)
	require.Len(t, tiny.Chunks, 1)
	assert.Equal(t, int64(9), tiny.Chunks[0].End)
}

func TestPlan_DefaultFloor(t *testing.T) {
	a := Plan(request(4), 3*types.MB, true, 0)
	b := Plan(request(4), 3*types.MB, true, types.MinChunk)
	assert.Equal(t, a, b)
}

func TestPlan_TilingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		length := rng.Int63n(64*types.MB) + 1
		maxChunks := rng.Intn(32) + 1
		minChunk := rng.Int63n(2*types.MB) + 1

		plan := Plan(request(maxChunks), length, true, minChunk)

		require.NoError(t, plan.Validate(), "L=%d N=%d min=%d", length, maxChunks, minChunk)
		assert.LessOrEqual(t, len(plan.Chunks), maxChunks)

		var minLen, maxLen int64 = length, 0
		for _, c := range plan.Chunks {
			minLen = min(minLen, c.Length())
			maxLen = max(maxLen, c.Length())
		}
		assert.LessOrEqual(t, maxLen-minLen, int64(1), "chunks should be roughly equal")
	}
}

func TestPlan_Deterministic(t *testing.T) {
	req := request(7)
	for _, length := range []int64{1, 1023, 10 * types.MB, 123456789} {
		first := Plan(req, length, true, types.MinChunk)
		second := Plan(req, length, true, types.MinChunk)
		assert.Equal(t, first, second)
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0, 4, types.MB))
	assert.Equal(t, 1, ChunkCount(10, 0, types.MB))
	assert.Equal(t, 2, ChunkCount(types.MB+1, 4, types.MB))
	assert.Equal(t, 4, ChunkCount(100*types.MB, 4, types.MB))
}
