// Package openai implements archive.AiPort against any OpenAI-compatible
// chat-completions endpoint (OpenAI itself, Azure OpenAI, or a local Ollama),
// grounded on the original openai_adapter's request shape, system prompt and
// sanitize_json fence-stripping, carried over in content but rewritten in
// this repo's own idiom.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const httpClientTimeout = 60 * time.Second

// aiRequestsPerSecond caps outbound chat-completion calls so a long week-group
// backlog doesn't trip the provider's own rate limit; burst equals the rate.
const aiRequestsPerSecond = 2

// Adapter is the AiPort implementation. A zero-value APIKey is valid for a
// local Ollama endpoint that does not require auth.
type Adapter struct {
	client  *http.Client
	apiURL  string
	apiKey  string
	model   string
	limiter *rate.Limiter
}

// New builds an Adapter. apiURL and model must be non-empty.
func New(apiURL, apiKey, model string) *Adapter {
	return &Adapter{
		client:  &http.Client{Timeout: httpClientTimeout},
		apiURL:  apiURL,
		apiKey:  apiKey,
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(aiRequestsPerSecond), aiRequestsPerSecond),
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float32        `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type llmAnalysis struct {
	Summary     string          `json:"summary"`
	KeyTopics   []string        `json:"key_topics"`
	ActionItems []llmActionItem `json:"action_items"`
}

type llmActionItem struct {
	Description string  `json:"description"`
	Owner       *string `json:"owner"`
	Deadline    *string `json:"deadline"`
	Priority    *string `json:"priority"`
}

// Analyze sends a CSV (or combined-summary) chunk to the model and parses
// its JSON response into an AnalysisResult.
func (a *Adapter) Analyze(ctx context.Context, chatID int64, week, contextText string) (archive.AnalysisResult, error) {
	req := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(contextText)},
		},
		Temperature:    0.3,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	raw, err := a.send(ctx, req)
	if err != nil {
		return archive.AnalysisResult{}, err
	}

	clean := sanitizeJSON(raw)
	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		logger.Warn("ai: failed to parse analysis JSON", zap.Error(err), zap.String("body", truncateForLog(clean)))
		return archive.AnalysisResult{}, archive.NewAiError("parse LLM JSON", err)
	}

	items := make([]archive.ActionItem, 0, len(parsed.ActionItems))
	for _, it := range parsed.ActionItems {
		items = append(items, archive.ActionItem{
			Description: it.Description,
			Owner:       derefOr(it.Owner, ""),
			Deadline:    derefOr(it.Deadline, ""),
			Priority:    archive.ActionItemPriority(derefOr(it.Priority, "")),
		})
	}

	return archive.AnalysisResult{
		ChatID:      chatID,
		WeekGroup:   week,
		Summary:     parsed.Summary,
		KeyTopics:   parsed.KeyTopics,
		ActionItems: items,
	}, nil
}

// Summarize sends a chunk of text to the model for a plain-text summary,
// used in the Map phase when more than one chunk was produced.
func (a *Adapter) Summarize(ctx context.Context, contextText string) (string, error) {
	req := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "user", Content: summarizePrompt(contextText)},
		},
		Temperature: 0.3,
	}

	raw, err := a.send(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// send issues the chat-completions request, retrying transient network
// failures with bounded exponential backoff, and returns the first choice's
// raw message content.
func (a *Adapter) send(ctx context.Context, req chatRequest) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", archive.NewAiError("rate limit wait", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", archive.NewAiError("encode request", err)
	}

	var respBody []byte
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(archive.NewAiError("build request", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if a.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("ai api returned %d: %s", resp.StatusCode, truncateForLog(string(data)))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(archive.NewAiError(
				fmt.Sprintf("api error %d: %s", resp.StatusCode, truncateForLog(string(data))), nil))
		}

		respBody = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if de, ok := err.(*archive.Error); ok {
			return "", de
		}
		return "", archive.NewAiError("request failed after retries", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", archive.NewAiError("decode api response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", archive.NewAiError("no response choices returned", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// sanitizeJSON strips a ```json fence (or bare ``` fence) if present,
// otherwise falls back to slicing between the first '{' and last '}' — the
// two shapes an LLM is observed to wrap valid JSON in.
func sanitizeJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "```") {
		body := strings.TrimPrefix(trimmed, "```json")
		body = strings.TrimPrefix(body, "```")
		if end := strings.LastIndex(body, "```"); end >= 0 {
			return strings.TrimSpace(body[:end])
		}
		return strings.TrimSpace(body)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end >= 0 && start < end {
		return trimmed[start : end+1]
	}
	return trimmed
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func truncateForLog(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func userPrompt(contextText string) string {
	return "Analyze the following chat log context for the week. It may be CSV format (Date;User;Message) or combined summaries from multiple chunks.\n\n" + contextText
}

func summarizePrompt(contextText string) string {
	return "Summarize the following chat logs, highlighting key events and topics.\n\n" + contextText
}

const systemPrompt = `You are an expert personal assistant analyzing Telegram chat logs for the chat owner.

## Your Task
1. Summarize the key discussions and themes (2-3 concise paragraphs).
2. Extract Action Items (see rules below), with owner and deadline if mentioned.
3. List 3-5 key topics discussed.

## Action Items: What to Extract

### Explicit tasks
- Commitments, promises, or stated to-dos (e.g., "I need to do X", "We should schedule Y", "Let me send you Z").
- Include owner and deadline when present in the thread.

### Unanswered messages (implicit tasks)
- Identify questions or requests directed at the chat owner that have no visible reply in the provided chunk.
- Look for: direct questions (@ or by name), "can you...", "could you...", "when will you...", "did you...", requests for input or approval, or follow-ups that were never answered.
- Format each unanswered item as a single actionable task: "Reply to [Name] regarding [Topic]".
- Only include an unanswered item if the chat owner appears to be the addressee and no answer is present in the log.

### Validation (before output)
- Review every action item you generated. Each must be actionable and unambiguous without guessing.
- Remove or rewrite any item that fails this check. Prefer fewer, clear tasks over many vague ones.

## Output Format
You MUST respond with valid JSON only. No markdown, no explanations outside JSON.

{
  "summary": "Concise summary of discussions...",
  "key_topics": ["topic1", "topic2", "topic3"],
  "action_items": [
    {
      "description": "What needs to be done",
      "owner": "Person responsible (or null)",
      "deadline": "Due date if mentioned (or null)",
      "priority": "high|medium|low (or null)"
    }
  ]
}

If there are no action items, return an empty array for action_items.
Keep summaries factual and concise. Focus on actionable information.`
