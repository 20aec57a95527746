package ingest

import (
	"errors"
	"fmt"
)

// Reference chunking parameters; overridable through config.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// ErrInvalidChunkConfig reports chunker parameters that violate
// overlap < size.
var ErrInvalidChunkConfig = errors.New("chunk overlap must be smaller than chunk size")

// Chunks splits text into a sliding window of fixed-size pieces, each chunk
// starting size-overlap characters after the previous one. The final chunk
// is the remainder and may be shorter. Sizes are counted in runes, not
// bytes, since uploads are frequently non-ASCII.
//
// Pure and deterministic; no sentence or paragraph awareness.
func Chunks(text string, size, overlap int) ([]string, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w (size=%d, overlap=%d)", ErrInvalidChunkConfig, size, overlap)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return []string{}, nil
	}

	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)

	for start := 0; ; start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
