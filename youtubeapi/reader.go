package youtubeapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

// DefaultMinPollInterval is the floor applied to pollingIntervalMillis.
const DefaultMinPollInterval = 2 * time.Second

// Reader polls liveChatMessages for a channel's active broadcast.
type Reader struct {
	Client    *Client
	Broadcast *Broadcast
	// MinPollInterval floors the server-suggested interval.
	MinPollInterval time.Duration

	mu     sync.Mutex
	primed bool
	active *activeIDs
}

// SetToken rotates the streamer token.
func (r *Reader) SetToken(tok string) { r.Client.SetToken(tok) }

func (r *Reader) interval(suggested int64) time.Duration {
	floor := r.MinPollInterval
	if floor <= 0 {
		floor = DefaultMinPollInterval
	}
	if d := time.Duration(suggested) * time.Millisecond; d > floor {
		return d
	}
	return floor
}

// Serve discovers the live chat and polls it until the chat ends, the
// transport fails or ctx is cancelled. The backlog returned by the very first
// poll of a Reader is skipped; later attempts replay it and rely on the
// session's seen set.
func (r *Reader) Serve(ctx context.Context, link *connector.Link) error {
	svc, err := r.Client.Service(ctx)
	if err != nil {
		return err
	}
	link.Authenticating()
	chatID, err := r.Broadcast.LiveChatID(ctx, svc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.active == nil {
		r.active = newActiveIDs(2048)
	}
	skipBacklog := !r.primed
	r.primed = true
	r.mu.Unlock()

	pageToken := ""
	first := true
	for {
		call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = classify("liveChatMessages.list", err)
			if errors.Is(err, errChatGone) {
				r.Broadcast.Forget()
			}
			return err
		}
		if first {
			link.Subscribed()
		}
		link.Touch()

		for _, item := range resp.Items {
			if first && skipBacklog {
				r.track(item)
				continue
			}
			if err := r.handle(link, item); err != nil {
				r.Broadcast.Forget()
				return err
			}
		}
		first = false
		pageToken = resp.NextPageToken

		timer := time.NewTimer(r.interval(resp.PollingIntervalMillis))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// track records an item in the active set without emitting it.
func (r *Reader) track(item *yt.LiveChatMessage) {
	if item.Snippet == nil || item.AuthorDetails == nil {
		return
	}
	r.active.add(item.AuthorDetails.ChannelId, item.Id)
}

func (r *Reader) handle(link *connector.Link, item *yt.LiveChatMessage) error {
	sn := item.Snippet
	if sn == nil {
		return nil
	}
	switch sn.Type {
	case "messageDeletedEvent":
		if sn.MessageDeletedDetails != nil {
			link.Delete(sn.MessageDeletedDetails.DeletedMessageId)
			r.active.remove(sn.MessageDeletedDetails.DeletedMessageId)
		}
		return nil
	case "userBannedEvent":
		if sn.UserBannedDetails != nil && sn.UserBannedDetails.BannedUserDetails != nil {
			for _, id := range r.active.drop(sn.UserBannedDetails.BannedUserDetails.ChannelId) {
				link.Delete(id)
			}
		}
		return nil
	case "chatEndedEvent":
		return connector.Transport(errChatGone)
	case "tombstone":
		return nil
	}

	msg, ok := toMessage(item)
	if !ok {
		link.Logger().Debug("unhandled youtube event", slog.String("type", sn.Type))
		return nil
	}
	if link.Emit(msg) {
		r.track(item)
	}
	return nil
}

// toMessage maps a chat item onto the canonical message.
func toMessage(item *yt.LiveChatMessage) (chat.Message, bool) {
	sn := item.Snippet
	msg := chat.Message{
		Platform: chat.YouTube,
		ID:       item.Id,
		Text:     sn.DisplayMessage,
	}
	if t, err := time.Parse(time.RFC3339Nano, sn.PublishedAt); err == nil {
		msg.Timestamp = t
	}
	if a := item.AuthorDetails; a != nil {
		msg.Username = a.DisplayName
		msg.UserID = a.ChannelId
		msg.Badges = badges(a)
	}
	if msg.UserID == "" {
		msg.UserID = sn.AuthorChannelId
	}

	switch sn.Type {
	case "textMessageEvent":
		msg.Kind = chat.KindChat
		if msg.Text == "" && sn.TextMessageDetails != nil {
			msg.Text = sn.TextMessageDetails.MessageText
		}
	case "superChatEvent":
		msg.Kind = chat.KindCheer
		if d := sn.SuperChatDetails; d != nil {
			msg.Text = d.UserComment
			msg.SetData("amount_micros", d.AmountMicros)
			msg.SetData("amount", d.AmountDisplayString)
			msg.SetData("currency", d.Currency)
			msg.SetData("tier", d.Tier)
		}
	case "superStickerEvent":
		msg.Kind = chat.KindCheer
		msg.Text = ""
		if d := sn.SuperStickerDetails; d != nil {
			msg.SetData("amount_micros", d.AmountMicros)
			msg.SetData("amount", d.AmountDisplayString)
			msg.SetData("currency", d.Currency)
			msg.SetData("tier", d.Tier)
			if d.SuperStickerMetadata != nil {
				msg.SetData("sticker_id", d.SuperStickerMetadata.StickerId)
				msg.SetData("sticker_alt", d.SuperStickerMetadata.AltText)
			}
		}
	case "newSponsorEvent":
		msg.Kind = chat.KindSubscription
		if d := sn.NewSponsorDetails; d != nil {
			msg.SetData("level", d.MemberLevelName)
			msg.SetData("is_upgrade", d.IsUpgrade)
		}
	case "memberMilestoneChatEvent":
		msg.Kind = chat.KindSubscription
		if d := sn.MemberMilestoneChatDetails; d != nil {
			msg.Text = d.UserComment
			msg.SetData("level", d.MemberLevelName)
			msg.SetData("months", d.MemberMonth)
		}
	case "membershipGiftingEvent":
		msg.Kind = chat.KindGift
		if d := sn.MembershipGiftingDetails; d != nil {
			msg.SetData("total", d.GiftMembershipsCount)
			msg.SetData("level", d.GiftMembershipsLevelName)
		}
	case "giftMembershipReceivedEvent":
		msg.Kind = chat.KindSubscription
		msg.SetData("is_gift", true)
		if d := sn.GiftMembershipReceivedDetails; d != nil {
			msg.SetData("level", d.MemberLevelName)
			msg.SetData("gifter_channel_id", d.GifterChannelId)
		}
	default:
		return chat.Message{}, false
	}
	if msg.Kind != chat.KindChat {
		msg.SetData("youtube_type", sn.Type)
	}
	return msg, true
}

func badges(a *yt.LiveChatMessageAuthorDetails) []string {
	var out []string
	if a.IsChatOwner {
		out = append(out, "broadcaster")
	}
	if a.IsChatModerator {
		out = append(out, "moderator")
	}
	if a.IsChatSponsor {
		out = append(out, "member")
	}
	if a.IsVerified {
		out = append(out, "verified")
	}
	return out
}

// activeIDs remembers recent message ids per author so a ban can be turned
// into deletions of that author's visible messages.
type activeIDs struct {
	mu       sync.Mutex
	capacity int
	order    []string
	owner    map[string]string
	byAuthor map[string][]string
}

func newActiveIDs(capacity int) *activeIDs {
	return &activeIDs{
		capacity: capacity,
		owner:    make(map[string]string),
		byAuthor: make(map[string][]string),
	}
}

func (a *activeIDs) add(author, id string) {
	if author == "" || id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owner[id]; ok {
		return
	}
	a.owner[id] = author
	a.byAuthor[author] = append(a.byAuthor[author], id)
	a.order = append(a.order, id)
	for len(a.order) > a.capacity {
		a.removeLocked(a.order[0])
	}
}

func (a *activeIDs) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(id)
}

func (a *activeIDs) removeLocked(id string) {
	author, ok := a.owner[id]
	if !ok {
		return
	}
	delete(a.owner, id)
	ids := a.byAuthor[author]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(a.byAuthor, author)
	} else {
		a.byAuthor[author] = ids
	}
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// drop removes and returns every tracked id of author.
func (a *activeIDs) drop(author string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := append([]string(nil), a.byAuthor[author]...)
	for _, id := range ids {
		a.removeLocked(id)
	}
	return ids
}

func (a *activeIDs) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owner)
}
