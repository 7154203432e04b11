package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/domain"
)

func TestNewChunkerRejectsBadSettings(t *testing.T) {
	cases := []struct {
		size, overlap int
	}{
		{500, 600},
		{100, 100},
		{0, 0},
		{10, -1},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("size_%d_overlap_%d", tc.size, tc.overlap), func(t *testing.T) {
			chunker, err := NewChunker(tc.size, tc.overlap)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Nil(t, chunker)
		})
	}
}

func TestChunkerReassemblesOriginalText(t *testing.T) {
	texts := []string{
		"The notice period is 10 days, ending September 11.",
		strings.Repeat("Employee shall not assign this agreement. ", 40),
		"Ünïcödé text · with multibyte characters ✓ repeated. " + strings.Repeat("ß", 77),
	}
	settings := []struct{ size, overlap int }{
		{10, 3},
		{50, 10},
		{64, 0},
		{7, 6},
	}

	for _, text := range texts {
		for _, s := range settings {
			t.Run(fmt.Sprintf("size_%d_overlap_%d_len_%d", s.size, s.overlap, len(text)), func(t *testing.T) {
				chunker, err := NewChunker(s.size, s.overlap)
				require.NoError(t, err)

				chunks := chunker.SplitText(text)
				require.NotEmpty(t, chunks)

				rebuilt, err := Reassemble(chunks, s.overlap)
				require.NoError(t, err)
				assert.Equal(t, text, rebuilt)

				for i := 1; i < len(chunks); i++ {
					prev := []rune(chunks[i-1])
					head := []rune(chunks[i])[:s.overlap]
					assert.Equal(t, string(prev[len(prev)-s.overlap:]), string(head),
						"chunk %d must start with the tail of chunk %d", i, i-1)
				}
			})
		}
	}
}

func TestChunkerShortTextYieldsOneChunk(t *testing.T) {
	chunker, err := NewChunker(500, 50)
	require.NoError(t, err)

	doc := domain.Document{ID: "doc-1", Source: "contract.pdf", Text: "Short contract."}
	chunks := chunker.Split(doc)

	require.Len(t, chunks, 1)
	assert.Equal(t, "Short contract.", chunks[0].Text)
	assert.Equal(t, "doc-1", chunks[0].DocumentID)
	assert.Equal(t, "contract.pdf", chunks[0].Source)
	assert.Equal(t, 0, chunks[0].Index)
	assert.NotEmpty(t, chunks[0].ID)
}

func TestChunkerOffsetsAndIndexes(t *testing.T) {
	chunker, err := NewChunker(10, 4)
	require.NoError(t, err)

	chunks := chunker.Split(domain.Document{ID: "d", Text: strings.Repeat("a", 25)})
	require.Len(t, chunks, 4)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, i*6, chunk.StartOffset)
	}
	assert.Equal(t, 7, len(chunks[3].Text))
}

func TestChunkerEmptyText(t *testing.T) {
	chunker, err := NewChunker(100, 20)
	require.NoError(t, err)
	assert.Empty(t, chunker.Split(domain.Document{Text: ""}))
}
