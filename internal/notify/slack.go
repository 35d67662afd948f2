package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// Slack posts notifications to an incoming-webhook URL as colored
// attachments.
type Slack struct {
	webhookURL string
	username   string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlack(webhookURL, username string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		username:   username,
		post:       slack.PostWebhookContext,
	}
}

func (s *Slack) Send(ctx context.Context, m Message) error {
	fields := make([]slack.AttachmentField, 0, len(m.Fields))
	for _, f := range m.Fields {
		fields = append(fields, slack.AttachmentField{Title: f.Title, Value: f.Value, Short: f.Short})
	}
	msg := &slack.WebhookMessage{
		Username: s.username,
		Attachments: []slack.Attachment{{
			Color:    m.Color,
			Title:    m.Title,
			Fallback: m.Fallback,
			Fields:   fields,
			Footer:   "HemoStat",
			Ts:       json.Number(strconv.FormatInt(m.Timestamp.Unix(), 10)),
		}},
	}
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
