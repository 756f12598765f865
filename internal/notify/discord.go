package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord posts notices to one channel over the REST API.
type Discord struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier.
func NewDiscord(token, channelID string, logger *zap.Logger) *Discord {
	return &Discord{token: token, channelID: channelID, logger: logger}
}

func (d *Discord) Platform() string { return "discord" }

// Connect creates the session and verifies the bot token.
func (d *Discord) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	me, err := session.User("@me")
	if err != nil {
		return fmt.Errorf("discord auth: %w", err)
	}
	d.session = session
	d.logger.Info("discord notifier ready", zap.String("user", me.Username))
	return nil
}

func (d *Discord) Notify(ctx context.Context, n *Notice) error {
	if d.session == nil {
		return fmt.Errorf("discord notifier not connected")
	}
	content := fmt.Sprintf("**[%s] %s**\n%s", n.Kind, n.Title, n.Content)
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (d *Discord) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}
