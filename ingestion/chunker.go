package ingestion

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fabfab/juris-guard/domain"
)

// Chunker cuts text into fixed-size character windows. Every chunk after the
// first starts with the last Overlap characters of its predecessor.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, domain.Configurationf("new chunker", "chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, domain.Configurationf("new chunker", "chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, domain.Configurationf("new chunker", "chunk overlap (%d) must be smaller than chunk size (%d)", overlap, size)
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

// Split returns the chunks of doc.Text in order. Offsets and sizes count
// runes, not bytes. Empty text yields no chunks.
func (c *Chunker) Split(doc domain.Document) []domain.Chunk {
	windows := c.windows([]rune(doc.Text))
	chunks := make([]domain.Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = domain.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			Source:      doc.Source,
			Index:       i,
			StartOffset: w.start,
			Text:        w.text,
		}
	}
	return chunks
}

// SplitText is Split without document metadata.
func (c *Chunker) SplitText(text string) []string {
	windows := c.windows([]rune(text))
	out := make([]string, len(windows))
	for i, w := range windows {
		out[i] = w.text
	}
	return out
}

type window struct {
	start int
	text  string
}

func (c *Chunker) windows(text []rune) []window {
	l := len(text)
	if l == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	pos := 0
	res := make([]window, 0, l/step+1)

	for {
		end := min(pos+c.Size, l)
		res = append(res, window{start: pos, text: string(text[pos:end])})
		if end >= l {
			break
		}
		pos += step
	}

	return res
}

// Reassemble rebuilds the source text from chunk texts produced with the
// given overlap.
func Reassemble(chunks []string, overlap int) (string, error) {
	var out []rune
	for i, chunk := range chunks {
		runes := []rune(chunk)
		if i > 0 {
			if len(runes) < overlap {
				return "", fmt.Errorf("chunk %d shorter than overlap %d", i, overlap)
			}
			runes = runes[overlap:]
		}
		out = append(out, runes...)
	}
	return string(out), nil
}
