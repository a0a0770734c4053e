package youtubeapi

import (
	"context"
	"errors"
	"strings"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

// Sender posts chat messages with liveChatMessages.insert. It is ready
// whenever it holds a token.
type Sender struct {
	Client    *Client
	Broadcast *Broadcast
	User      string
}

// SetToken rotates the sender's token.
func (s *Sender) SetToken(tok string) { s.Client.SetToken(tok) }

func (s *Sender) Platform() chat.Platform { return chat.YouTube }

func (s *Sender) Username() string { return s.User }

func (s *Sender) Ready() bool {
	_, err := s.Client.Token()
	return err == nil
}

func (s *Sender) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("youtube: empty message")
	}
	return s.Client.withRefresh(ctx, func(svc *yt.Service) error {
		chatID, err := s.Broadcast.LiveChatID(ctx, svc)
		if err != nil {
			return err
		}
		_, err = svc.LiveChatMessages.Insert([]string{"snippet"}, &yt.LiveChatMessage{
			Snippet: &yt.LiveChatMessageSnippet{
				LiveChatId:         chatID,
				Type:               "textMessageEvent",
				TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
			},
		}).Context(ctx).Do()
		err = classify("liveChatMessages.insert", err)
		if errors.Is(err, errChatGone) {
			s.Broadcast.Forget()
		}
		return err
	})
}

// Moderator deletes messages and bans channels with the streamer's token.
type Moderator struct {
	Client    *Client
	Broadcast *Broadcast
}

// SetToken rotates the moderator's token.
func (m *Moderator) SetToken(tok string) { m.Client.SetToken(tok) }

func (m *Moderator) Delete(ctx context.Context, messageID string) error {
	return m.Client.withRefresh(ctx, func(svc *yt.Service) error {
		return classify("liveChatMessages.delete", svc.LiveChatMessages.Delete(messageID).Context(ctx).Do())
	})
}

// Ban bans a channel permanently. YouTube bans by channel id only; a ban by
// username alone is Unsupported.
func (m *Moderator) Ban(ctx context.Context, username, userID string) error {
	if userID == "" {
		return connector.Unsupported("youtube ban by username")
	}
	return m.Client.withRefresh(ctx, func(svc *yt.Service) error {
		chatID, err := m.Broadcast.LiveChatID(ctx, svc)
		if err != nil {
			return err
		}
		_, err = svc.LiveChatBans.Insert([]string{"snippet"}, &yt.LiveChatBan{
			Snippet: &yt.LiveChatBanSnippet{
				LiveChatId:        chatID,
				Type:              "permanent",
				BannedUserDetails: &yt.ChannelProfileDetails{ChannelId: userID},
			},
		}).Context(ctx).Do()
		return classify("liveChatBans.insert", err)
	})
}
