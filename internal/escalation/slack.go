package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink posts escalations to a Slack channel.
type SlackSink struct {
	client  slackPoster
	channel string
}

// NewSlackSink builds a sink from a bot token. Extra options are passed to
// the slack client.
func NewSlackSink(token, channel string, opts ...slack.Option) (*SlackSink, error) {
	if token == "" || channel == "" {
		return nil, errors.New("slack token and channel are required")
	}
	return &SlackSink{client: slack.New(token, opts...), channel: channel}, nil
}

// Escalate posts rec's summary.
func (s *SlackSink) Escalate(ctx context.Context, rec Record) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(rec.Summary(), false),
	)
	if err != nil {
		return fmt.Errorf("post slack escalation: %w", err)
	}
	return nil
}
