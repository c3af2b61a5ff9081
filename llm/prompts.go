package llm

import (
	"fmt"
	"strings"
)

// Prompts are assembled in three layers: a fixed system instruction
// that enforces strict JSON output, the publisher's custom style
// instruction (or a default), and the task prompt with an explicit JSON
// schema block appended.

const jsonSystemPrompt = `You are a precise content-processing engine. You always ` +
	`respond with strict JSON matching the schema given in the user message. ` +
	`No markdown, no code fences, no commentary outside the JSON.`

const defaultSummaryStyle = `Write faithful, self-contained summaries of blog ` +
	`articles. Never invent facts that are not in the article.`

const defaultQuestionsStyle = `Produce engaging questions a reader might ask after ` +
	`reading the article, each with a concise answer grounded in the article.`

const chatSystemPrompt = `You answer reader questions about a blog article. Base your ` +
	`answer on the provided article summary. If the summary does not contain the ` +
	`answer, say so briefly instead of guessing. Keep answers under four sentences.`

const summarySchema = `{"title": "string", "summary": "string", "key_points": ["string"]}`

const questionsSchema = `{"questions": [{"question": "string", "answer": "string", ` +
	`"keyword_anchor": "string (optional)", "probability": 0.0}]}`

// maxContentChars bounds how much text is sent to the model per input.
const maxContentChars = 8000

func truncateContent(content string) string {
	if len(content) <= maxContentChars {
		return content
	}
	cut := content[:maxContentChars]
	// Break at a word boundary when one is near.
	if idx := strings.LastIndex(cut, " "); idx > maxContentChars-200 {
		cut = cut[:idx]
	}
	return cut
}

// layered combines the JSON system instruction with the publisher's
// style instruction, falling back to the default style.
func layered(defaultStyle, custom string) string {
	style := strings.TrimSpace(custom)
	if style == "" {
		style = defaultStyle
	}
	return jsonSystemPrompt + "\n\n" + style
}

func summaryUserPrompt(title, content string) string {
	var b strings.Builder
	b.WriteString("Summarize the following blog article in 2-4 paragraphs.\n\n")
	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", title)
	}
	b.WriteString("Article:\n")
	b.WriteString(truncateContent(content))
	b.WriteString("\n\nRespond with JSON matching this schema:\n")
	b.WriteString(summarySchema)
	return b.String()
}

func questionsUserPrompt(title, content string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d question/answer pairs for the following blog article.\n\n", count)
	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", title)
	}
	b.WriteString("Article:\n")
	b.WriteString(truncateContent(content))
	b.WriteString("\n\nRespond with JSON matching this schema:\n")
	b.WriteString(questionsSchema)
	return b.String()
}

func chatUserPrompt(summary, question string) string {
	var b strings.Builder
	b.WriteString("Article summary:\n")
	b.WriteString(truncateContent(summary))
	b.WriteString("\n\nReader question: ")
	b.WriteString(question)
	return b.String()
}

// stripCodeFence removes a surrounding markdown code fence, with or
// without a language tag. Models wrap JSON in fences despite being told
// not to.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		firstLine := strings.TrimSpace(trimmed[:idx])
		if len(firstLine) <= 10 && !strings.ContainsAny(firstLine, "{[") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
