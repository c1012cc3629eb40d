package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harborline/stevedore/internal/core/domain"
)

func TestChunk(t *testing.T) {
	projects := []string{"a", "b", "c", "d", "e"}

	chunks := Chunk(projects, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func TestChunkSizeLargerThanSet(t *testing.T) {
	chunks := Chunk([]string{"a"}, 4)
	assert.Equal(t, [][]string{{"a"}}, chunks)
}

func TestChunkZeroSizeUsesDefault(t *testing.T) {
	chunks := Chunk([]string{"a", "b", "c"}, 0)
	assert.Len(t, chunks, 2)
	assert.Len(t, chunks[0], DefaultBuildConcurrency)
}

func TestChunkEmpty(t *testing.T) {
	assert.Nil(t, Chunk(nil, 2))
}

func TestProgressMonotone(t *testing.T) {
	path := []domain.Stage{
		domain.StagePending, domain.StageCloning, domain.StageBuilding,
		domain.StageUploading, domain.StageConfiguring, domain.StageCompleted,
	}
	prev := -1
	for _, s := range path {
		p := Progress(s)
		assert.Greater(t, p, prev, "stage %s", s)
		prev = p
	}
	assert.Equal(t, 100, Progress(domain.StageCompleted))
}

func TestCollect(t *testing.T) {
	boom := errors.New("boom")
	ok, failed := Collect([]StageResult{
		Ok("a", "/tmp/a"),
		Retryable("b", boom),
		Ok("c", "/tmp/c"),
	})
	assert.Len(t, ok, 2)
	assert.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Project)
}

func TestCollectFatal(t *testing.T) {
	ok, failed := Collect([]StageResult{
		Fatal("", errors.New("resolve failed")),
	})
	assert.Empty(t, ok)
	assert.Len(t, failed, 1)
}
