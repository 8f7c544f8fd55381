package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const (
	historyTurnsInPrompt = 5
	maxEvidenceChars     = 1500
	maxScoredEvidence    = 5
)

func buildRoutingPrompt(query string, session domain.SessionContext) string {
	return fmt.Sprintf(`You route questions for a study assistant that answers from a student's uploaded course notes.
Choose exactly one route:
- "rag": the question is about course material, lecture notes or uploaded documents.
- "direct": general knowledge, greetings, or questions about the conversation itself.
- "web": current events or facts unlikely to be in course notes.
- "quiz": the student asks to be quizzed, tested or to practice exam questions.
Return strict JSON: {"route": "rag|direct|web|quiz", "reasoning": "one short sentence"}.
No markdown, no extra keys.

%s
Question:
%s
`, formatHistory(session), query)
}

func buildDecompositionPrompt(query string, session domain.SessionContext, limit int) string {
	return fmt.Sprintf(`Split the student's question into at most %d focused search queries, ordered so that
earlier queries gather the evidence later ones build on. Each query must be answerable on its own.
If the question is already simple, return it unchanged as the only item.
Return strict JSON: {"sub_queries": ["...", "..."]}.

%s
Question:
%s
`, limit, formatHistory(session), query)
}

func buildDraftPrompt(query string, session domain.SessionContext, evidence []domain.RetrievalCandidate, critique string, web bool) string {
	source := "course materials"
	if web {
		source = "web search results"
	}

	var contextBuilder strings.Builder
	for idx, c := range evidence {
		label := c.Chunk.SourceFile
		if label == "" {
			label = c.ChunkID
		}
		if c.Chunk.PageNumber > 0 {
			label = fmt.Sprintf("%s, page %d", label, c.Chunk.PageNumber)
		}
		contextBuilder.WriteString(fmt.Sprintf("[%d] %s\n%s\n\n", idx+1, label, truncateRunes(c.Chunk.Text, maxEvidenceChars)))
	}

	revision := ""
	if strings.TrimSpace(critique) != "" {
		revision = fmt.Sprintf("\nA reviewer found problems with the previous draft:\n%s\nAddress them.\n", critique)
	}

	return fmt.Sprintf(`You are a study assistant. Answer the student's question using only the %s below.
Do not add facts that are not stated in them. If they are insufficient, say what is missing.
Cite evidence by its [number].
%s
%s
%s
Question:
%s

Evidence:
%s`, source, revision, formatPastSessions(session.Past), formatHistory(session), query, contextBuilder.String())
}

func buildDirectPrompt(query string, session domain.SessionContext) string {
	return fmt.Sprintf(`You are a helpful study assistant. Answer the student's question clearly and concisely.
If the question depends on their own course notes, say so.

%s
Question:
%s
`, formatHistory(session), query)
}

func buildReflectionPrompt(query, draft string, evidence []domain.Chunk) string {
	var evidenceBuilder strings.Builder
	for i, chunk := range evidence {
		if i == maxScoredEvidence {
			break
		}
		evidenceBuilder.WriteString(truncateRunes(chunk.Text, maxEvidenceChars))
		evidenceBuilder.WriteString("\n---\n")
	}

	return fmt.Sprintf(`Grade a draft answer against the evidence it was written from.
confidence: number from 0 to 1, how fully the draft's claims are supported by the evidence and answer the question.
critique: one or two sentences naming unsupported claims or missing information.
should_retry: true if searching again could improve the answer.
retry_query: a better search query when should_retry is true, otherwise "".
Return strict JSON: {"confidence": 0.0, "critique": "", "should_retry": false, "retry_query": ""}.

Question:
%s

Evidence:
%s
Draft answer:
%s
`, query, evidenceBuilder.String(), draft)
}

func buildSummaryPrompt(previous string, turns []domain.Turn) string {
	var transcript strings.Builder
	for _, turn := range turns {
		transcript.WriteString(fmt.Sprintf("%s: %s\n", speakerLabel(turn.Role), strings.TrimSpace(turn.Content)))
	}
	prior := strings.TrimSpace(previous)
	if prior == "" {
		prior = "(none)"
	}
	return fmt.Sprintf(`Summarize this study session in at most five sentences. Keep topics covered,
open questions and misconceptions the student showed. Plain text only.

Previous summary:
%s

Conversation:
%s`, prior, transcript.String())
}

// formatPastSessions lists summaries of earlier sessions, newest first.
func formatPastSessions(past []domain.SessionSummary) string {
	if len(past) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past conversations:\n")
	for _, p := range past {
		summary := strings.TrimSpace(p.Summary)
		if summary == "" {
			continue
		}
		date := "unknown date"
		if !p.UpdatedAt.IsZero() {
			date = p.UpdatedAt.UTC().Format("2006-01-02")
		}
		b.WriteString(fmt.Sprintf("- [%s] %s\n", date, truncateRunes(summary, 600)))
	}
	return b.String()
}

// formatHistory renders the session summary and the last few exchanges.
func formatHistory(session domain.SessionContext) string {
	var b strings.Builder
	if summary := strings.TrimSpace(session.Summary); summary != "" {
		b.WriteString("Session summary:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	turns := session.Recent
	if limit := historyTurnsInPrompt * 2; len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, turn := range turns {
			b.WriteString(fmt.Sprintf("%s: %s\n", speakerLabel(turn.Role), truncateRunes(strings.TrimSpace(turn.Content), 600)))
		}
	}
	return b.String()
}

func speakerLabel(role string) string {
	if strings.EqualFold(role, domain.RoleUser) {
		return "Student"
	}
	return "Assistant"
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
