package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notices to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack notifier. Extra options (such as
// slack.OptionAPIURL) are passed to the client.
func NewSlack(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

// Connect verifies the token.
func (s *Slack) Connect(ctx context.Context) error {
	resp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack notifier ready", zap.String("team", resp.Team), zap.String("user", resp.User))
	return nil
}

func (s *Slack) Notify(ctx context.Context, n *Notice) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", n.Kind, n.Title, n.Content)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if n.AgentID != "" {
		opts = append(opts, slack.MsgOptionUsername(n.AgentID))
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, opts...); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func (s *Slack) Close() error { return nil }
