package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/common"
)

// Service runs the pipeline's LLM operations on top of a Provider,
// bounding provider concurrency with a semaphore so a busy worker pool
// cannot stampede the API.
type Service struct {
	provider       Provider
	embeddingModel string
	sem            chan struct{}
	logger         *logrus.Entry
}

// NewService wraps a provider. maxParallel bounds in-flight provider
// calls across all goroutines sharing this service.
func NewService(provider Provider, embeddingModel string, maxParallel int) *Service {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Service{
		provider:       provider,
		embeddingModel: embeddingModel,
		sem:            make(chan struct{}, maxParallel),
		logger:         common.Logger.WithField("component", "llm"),
	}
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return newError(KindHTTP, "waiting for llm slot", ctx.Err())
	}
}

func (s *Service) release() { <-s.sem }

// SummaryRequest describes one summary generation.
type SummaryRequest struct {
	Title        string
	Content      string
	Model        string
	Temperature  float64
	MaxTokens    int
	CustomPrompt string
}

// SummaryOutput is the parsed summary call result.
type SummaryOutput struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Summarize generates a structured summary of the blog content.
func (s *Service) Summarize(ctx context.Context, req SummaryRequest) (*SummaryOutput, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	result, err := s.provider.Generate(ctx, GenerateRequest{
		Model:        req.Model,
		SystemPrompt: layered(defaultSummaryStyle, req.CustomPrompt),
		UserPrompt:   summaryUserPrompt(req.Title, req.Content),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var output SummaryOutput
	if err := json.Unmarshal([]byte(stripCodeFence(result.Text)), &output); err != nil {
		return nil, newError(KindParse, "summary response is not valid JSON", err)
	}
	output.Summary = strings.TrimSpace(output.Summary)
	output.Title = strings.TrimSpace(output.Title)
	if output.Summary == "" {
		return nil, newError(KindEmptyResponse, "summary came back empty", nil)
	}
	return &output, nil
}

// QuestionsRequest describes one question-generation call.
type QuestionsRequest struct {
	Title        string
	Content      string
	Model        string
	Count        int
	Temperature  float64
	MaxTokens    int
	CustomPrompt string
	Grounding    bool
}

// GeneratedQuestion is one parsed question/answer pair.
type GeneratedQuestion struct {
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	KeywordAnchor string  `json:"keyword_anchor,omitempty"`
	Probability   float64 `json:"probability,omitempty"`
}

// GenerateQuestions generates up to req.Count question/answer pairs.
// Under-production is tolerated and logged; zero usable questions is an
// llm_error.no_questions failure.
func (s *Service) GenerateQuestions(ctx context.Context, req QuestionsRequest) ([]GeneratedQuestion, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	result, err := s.provider.Generate(ctx, GenerateRequest{
		Model:        req.Model,
		SystemPrompt: layered(defaultQuestionsStyle, req.CustomPrompt),
		UserPrompt:   questionsUserPrompt(req.Title, req.Content, req.Count),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Grounding:    req.Grounding,
	})
	if err != nil {
		return nil, err
	}

	questions, err := parseQuestions(result.Text)
	if err != nil {
		return nil, err
	}

	questions = filterQuestions(questions, req.Count)
	if len(questions) == 0 {
		return nil, newError(KindNoQuestions, "no usable questions after filtering", nil)
	}
	if len(questions) < req.Count {
		s.logger.WithFields(logrus.Fields{
			"model":     req.Model,
			"requested": req.Count,
			"kept":      len(questions),
		}).Warn("fewer questions than requested")
	}
	return questions, nil
}

// ChatRequest describes an interactive answer call.
type ChatRequest struct {
	Summary      string
	Question     string
	Model        string
	Temperature  float64
	MaxTokens    int
	CustomPrompt string
}

// Answer answers a reader question against the blog's summary.
func (s *Service) Answer(ctx context.Context, req ChatRequest) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	system := chatSystemPrompt
	if strings.TrimSpace(req.CustomPrompt) != "" {
		system = chatSystemPrompt + "\n\n" + strings.TrimSpace(req.CustomPrompt)
	}

	result, err := s.provider.Generate(ctx, GenerateRequest{
		Model:        req.Model,
		SystemPrompt: system,
		UserPrompt:   chatUserPrompt(req.Summary, req.Question),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	answer := strings.TrimSpace(result.Text)
	if answer == "" {
		return "", newError(KindEmptyResponse, "answer came back empty", nil)
	}
	return answer, nil
}

// Embed produces an embedding vector for the text. Inputs longer than
// 8000 characters are truncated.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.provider.Embed(ctx, s.embeddingModel, truncateContent(text))
}

func parseQuestions(raw string) ([]GeneratedQuestion, error) {
	cleaned := stripCodeFence(raw)

	var wrapper struct {
		Questions []GeneratedQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapper); err == nil && wrapper.Questions != nil {
		return wrapper.Questions, nil
	}

	// Some models return the bare array despite the schema.
	var questions []GeneratedQuestion
	if err := json.Unmarshal([]byte(cleaned), &questions); err == nil {
		return questions, nil
	}

	return nil, newError(KindParse, "response is not a question array", nil)
}

// filterQuestions drops entries whose question or answer is missing or
// whitespace-only, strips leading list numbering, removes duplicates
// and caps the result at count.
func filterQuestions(questions []GeneratedQuestion, count int) []GeneratedQuestion {
	seen := make(map[string]bool, len(questions))
	kept := make([]GeneratedQuestion, 0, count)

	for _, q := range questions {
		question := stripListMarker(strings.TrimSpace(q.Question))
		answer := strings.TrimSpace(q.Answer)
		if question == "" || answer == "" {
			continue
		}
		key := strings.ToLower(question)
		if seen[key] {
			continue
		}
		seen[key] = true

		q.Question = question
		q.Answer = answer
		kept = append(kept, q)
		if len(kept) == count {
			break
		}
	}
	return kept
}

func stripListMarker(s string) string {
	trimmed := strings.TrimLeft(s, "-*• ")
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if (c == '.' || c == ')') && i > 0 {
			return strings.TrimSpace(trimmed[i+1:])
		}
		break
	}
	return strings.TrimSpace(trimmed)
}
