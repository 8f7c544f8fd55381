// Package citation renders chunk provenance as the citation lines shown under
// an answer.
package citation

import (
	"fmt"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const (
	blockHeader     = "\n\n---\n📚 **Sources Used:**\n"
	unknownDocument = "Unknown Document"
)

type Formatter struct{}

func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format returns one citation per distinct (file, page), or per URL for web
// results, in evidence order.
func (Formatter) Format(chunks []domain.Chunk) []domain.Citation {
	out := make([]domain.Citation, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, chunk := range chunks {
		key := citationKey(chunk)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.Citation{
			ChunkID:    chunk.ID,
			SourceFile: sourceName(chunk),
			PageNumber: chunk.PageNumber,
			URL:        chunk.SourceURL,
			Display:    display(chunk),
		})
	}
	return out
}

func (Formatter) Render(citations []domain.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(blockHeader)
	for _, c := range citations {
		b.WriteString("- ")
		b.WriteString(c.Display)
		b.WriteString("\n")
	}
	return b.String()
}

func citationKey(chunk domain.Chunk) string {
	if isWeb(chunk) {
		return "url:" + chunk.SourceURL
	}
	return fmt.Sprintf("file:%s#%d", chunk.SourceFile, chunk.PageNumber)
}

func display(chunk domain.Chunk) string {
	if isWeb(chunk) {
		return fmt.Sprintf("🌐 %s (%s)", sourceName(chunk), chunk.SourceURL)
	}
	line := "📄 " + sourceName(chunk)
	if chunk.PageNumber > 0 {
		line += fmt.Sprintf(", Page %d", chunk.PageNumber)
	}
	if section := strings.TrimSpace(chunk.Section); section != "" {
		line += " · " + section
	}
	return line
}

func sourceName(chunk domain.Chunk) string {
	if name := strings.TrimSpace(chunk.SourceFile); name != "" {
		return name
	}
	if chunk.SourceURL != "" {
		return chunk.SourceURL
	}
	return unknownDocument
}

func isWeb(chunk domain.Chunk) bool {
	return strings.EqualFold(chunk.DocType, "web") && chunk.SourceURL != ""
}
