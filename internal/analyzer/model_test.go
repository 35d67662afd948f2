package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemostat/internal/schema"
)

func TestParseModelReply(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		want    schema.Decision
		wantErr string
	}{
		{
			name: "plain json",
			text: `{"root_cause":"oom","action":"restart","reason":"memory exhausted","confidence":0.85,"is_false_alarm":false}`,
			want: schema.Decision{
				Verdict:    schema.VerdictRealIssue,
				Action:     schema.ActionRestart,
				Confidence: 0.85,
				Reason:     "memory exhausted",
				Method:     schema.MethodModel,
			},
		},
		{
			name: "fenced json",
			text: "```json\n{\"root_cause\":\"load\",\"action\":\"scale_up\",\"reason\":\"traffic surge\",\"confidence\":0.8,\"is_false_alarm\":false}\n```",
			want: schema.Decision{
				Verdict:    schema.VerdictRealIssue,
				Action:     schema.ActionScaleUp,
				Confidence: 0.8,
				Reason:     "traffic surge",
				Method:     schema.MethodModel,
			},
		},
		{
			name: "prose around json",
			text: `Here is my analysis: {"root_cause":"spike","action":"none","reason":"transient","confidence":0.6,"is_false_alarm":true} hope that helps`,
			want: schema.Decision{
				Verdict:    schema.VerdictFalseAlarm,
				Action:     schema.ActionNone,
				Confidence: 0.6,
				Reason:     "transient",
				Method:     schema.MethodModel,
			},
		},
		{
			name: "false alarm forces action none",
			text: `{"root_cause":"x","action":"restart","reason":"benign","confidence":0.7,"is_false_alarm":true}`,
			want: schema.Decision{
				Verdict:    schema.VerdictFalseAlarm,
				Action:     schema.ActionNone,
				Confidence: 0.7,
				Reason:     "benign",
				Method:     schema.MethodModel,
			},
		},
		{
			name: "reason falls back to root cause",
			text: `{"root_cause":"disk pressure","action":"cleanup","reason":"","confidence":0.75,"is_false_alarm":false}`,
			want: schema.Decision{
				Verdict:    schema.VerdictRealIssue,
				Action:     schema.ActionCleanup,
				Confidence: 0.75,
				Reason:     "disk pressure",
				Method:     schema.MethodModel,
			},
		},
		{
			name:    "unknown action",
			text:    `{"root_cause":"x","action":"reboot_host","reason":"y","confidence":0.9,"is_false_alarm":false}`,
			wantErr: "unknown action",
		},
		{
			name:    "confidence out of range",
			text:    `{"root_cause":"x","action":"restart","reason":"y","confidence":1.4,"is_false_alarm":false}`,
			wantErr: "out of range",
		},
		{
			name:    "missing reason",
			text:    `{"root_cause":"","action":"restart","reason":"","confidence":0.9,"is_false_alarm":false}`,
			wantErr: "missing reason",
		},
		{
			name:    "no json at all",
			text:    "I cannot determine the cause.",
			wantErr: "no JSON object",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseModelReply(tc.text)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestExtractJSONObjectHandlesBracesInStrings(t *testing.T) {
	raw, err := extractJSONObject(`{"reason":"nested {braces} and \"quotes\" inside"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"reason":"nested {braces} and \"quotes\" inside"}`, raw)
}

func TestExtractJSONObjectUnbalanced(t *testing.T) {
	_, err := extractJSONObject(`{"reason":"truncated`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbalanced")
}

type fakeChat struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: reply}},
	}}, nil
}

func TestModelClassifierRetriesMalformedReply(t *testing.T) {
	api := &fakeChat{replies: []string{
		"not json",
		`{"root_cause":"cpu","action":"restart","reason":"hot loop","confidence":0.9,"is_false_alarm":false}`,
	}}
	c := &ModelClassifier{api: api, cfg: DefaultModelConfig(), log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d, err := c.Classify(context.Background(), criticalCPUAlert(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, schema.ActionRestart, d.Action)
	assert.Equal(t, schema.MethodModel, d.Method)
}

func TestModelClassifierExhaustsAttempts(t *testing.T) {
	api := &fakeChat{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	c := &ModelClassifier{api: api, cfg: DefaultModelConfig(), log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	_, err := c.Classify(context.Background(), criticalCPUAlert(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, api.calls)
}

func TestBuildPromptIncludesHistoryTail(t *testing.T) {
	alert := criticalCPUAlert()
	prompt := buildPrompt(alert, historyOfMemory(10, 20, 30, 40, 50))
	assert.Contains(t, prompt, "Container: web")
	assert.Contains(t, prompt, "CPU: 97.0%")
	// Only the last three history entries appear.
	assert.Contains(t, prompt, "Alert 3:")
	assert.NotContains(t, prompt, "Alert 4:")
	assert.Contains(t, prompt, "Memory=30.0%")
	assert.NotContains(t, prompt, "Memory=10.0%")
}

func TestBuildPromptMarksInvalidCPU(t *testing.T) {
	alert := alertWith(nil, schema.Metrics{MemoryPercent: 40})
	prompt := buildPrompt(alert, nil)
	assert.Contains(t, prompt, "CPU: N/A")
}
