package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// seedRecord is one line of a chunk seed file. The embedding is optional.
type seedRecord struct {
	domain.Chunk
	Embedding []float32 `json:"embedding,omitempty"`
}

// LoadFile upserts chunks from a JSON-lines file and returns how many were read.
func (idx *Index) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	chunks := make([]domain.Chunk, 0, 256)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec seedRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return 0, fmt.Errorf("decode seed line %d: %w", line, err)
		}
		chunk := rec.Chunk
		chunk.Embedding = rec.Embedding
		chunks = append(chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	if err := idx.Upsert(chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
