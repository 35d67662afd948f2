package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hemostat/internal/schema"
)

// ModelConfig points the model classifier at an OpenAI-compatible endpoint.
type ModelConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Deadline    time.Duration
	MaxAttempts int
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:       "gpt-4",
		Temperature: 0.3,
		Deadline:    10 * time.Second,
		MaxAttempts: 3,
	}
}

// chatAPI is the slice of the OpenAI client the classifier needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelClassifier asks a language-model endpoint to classify an alert. Any
// transport error, deadline or malformed reply surfaces as an error so the
// caller can fall back to rules.
type ModelClassifier struct {
	api chatAPI
	cfg ModelConfig
	log *slog.Logger
}

func NewModelClassifier(cfg ModelConfig, log *slog.Logger) *ModelClassifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &ModelClassifier{api: openai.NewClientWithConfig(clientCfg), cfg: cfg, log: log}
}

// modelReply is the JSON contract the prompt requests.
type modelReply struct {
	RootCause    string  `json:"root_cause"`
	Action       string  `json:"action"`
	Reason       string  `json:"reason"`
	Confidence   float64 `json:"confidence"`
	IsFalseAlarm bool    `json:"is_false_alarm"`
}

func (c *ModelClassifier) Classify(ctx context.Context, alert schema.HealthAlert, history []schema.HealthAlert) (schema.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	prompt := buildPrompt(alert, history)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Temperature: c.cfg.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "You are an expert DevOps engineer analyzing container health issues."},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			lastErr = fmt.Errorf("chat completion: %w", err)
			if ctx.Err() != nil {
				return schema.Decision{}, lastErr
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("empty completion")
			continue
		}
		decision, err := parseModelReply(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			c.log.Warn("model reply rejected", "attempt", attempt, "error", err)
			continue
		}
		return decision, nil
	}
	return schema.Decision{}, lastErr
}

func buildPrompt(alert schema.HealthAlert, history []schema.HealthAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Container: %s\n", alert.Name)
	fmt.Fprintf(&b, "Health Status: %s\n\n", alert.HealthStatus)
	fmt.Fprintf(&b, "Current Metrics:\n")
	if alert.Metrics.CPUValid {
		fmt.Fprintf(&b, "- CPU: %.1f%%\n", alert.Metrics.CPUPercent)
	} else {
		fmt.Fprintf(&b, "- CPU: N/A\n")
	}
	fmt.Fprintf(&b, "- Memory: %.1f%%\n", alert.Metrics.MemoryPercent)
	fmt.Fprintf(&b, "- Exit Code: %d\n", alert.ExitCode)
	fmt.Fprintf(&b, "- Restart Count: %d\n\n", alert.RestartCount)

	fmt.Fprintf(&b, "Detected Anomalies (%d):\n", len(alert.Issues))
	issues, _ := json.MarshalIndent(alert.Issues, "", "  ")
	b.Write(issues)
	b.WriteString("\n")

	if len(history) > 0 {
		fmt.Fprintf(&b, "\nRecent alert history (%d alerts):\n", len(history))
		recent := history
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		for i, h := range recent {
			fmt.Fprintf(&b, "  Alert %d: CPU=%.1f%%, Memory=%.1f%%, Anomalies=%d\n",
				i+1, h.Metrics.CPUPercent, h.Metrics.MemoryPercent, len(h.Issues))
		}
	}

	b.WriteString(`
Respond with valid JSON only, no code fences or commentary:
{
  "root_cause": "brief description",
  "action": "restart|scale_up|cleanup|none",
  "reason": "explanation for the recommended action",
  "confidence": 0.0-1.0,
  "is_false_alarm": true|false
}
`)
	return b.String()
}

// parseModelReply extracts and validates the JSON object in a completion.
// Code fences and surrounding prose are tolerated.
func parseModelReply(text string) (schema.Decision, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return schema.Decision{}, err
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return schema.Decision{}, fmt.Errorf("decode model reply: %w", err)
	}
	action := schema.Action(reply.Action)
	switch action {
	case schema.ActionRestart, schema.ActionScaleUp, schema.ActionCleanup, schema.ActionExec, schema.ActionNone:
	default:
		return schema.Decision{}, fmt.Errorf("model proposed unknown action %q", reply.Action)
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return schema.Decision{}, fmt.Errorf("model confidence %v out of range", reply.Confidence)
	}
	verdict := schema.VerdictRealIssue
	if reply.IsFalseAlarm {
		verdict = schema.VerdictFalseAlarm
		action = schema.ActionNone
	}
	reason := reply.Reason
	if reason == "" {
		reason = reply.RootCause
	}
	if reason == "" {
		return schema.Decision{}, fmt.Errorf("model reply missing reason")
	}
	return schema.Decision{
		Verdict:    verdict,
		Action:     action,
		Confidence: reply.Confidence,
		Reason:     reason,
		Method:     schema.MethodModel,
	}, nil
}

// extractJSONObject finds the first balanced JSON object in text, stripping
// markdown fences when present.
func extractJSONObject(text string) (string, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in model reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in model reply")
}
