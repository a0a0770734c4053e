package twitch

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatmux/chat"
)

// line is one IRC line split into its routing parts.
type line struct {
	raw     string
	tags    string
	prefix  string
	command string
	params  string
}

func splitLine(raw string) line {
	l := line{raw: raw}
	rest := raw
	if strings.HasPrefix(rest, "@") {
		tags, after, _ := strings.Cut(rest[1:], " ")
		l.tags, rest = tags, after
	}
	if strings.HasPrefix(rest, ":") {
		prefix, after, _ := strings.Cut(rest[1:], " ")
		l.prefix, rest = prefix, after
	}
	l.command, l.params, _ = strings.Cut(rest, " ")
	// A tag blob without its "@" lands in the prefix and pushes the real
	// prefix into the command slot.
	if strings.HasPrefix(l.command, ":") {
		l.command, l.params, _ = strings.Cut(l.params, " ")
	}
	return l
}

// nick returns the nickname of a "nick!user@host" prefix.
func (l line) nick() string {
	n, _, _ := strings.Cut(l.prefix, "!")
	return n
}

// trailing returns the text after the first " :" of the parameters.
func (l line) trailing() string {
	if strings.HasPrefix(l.params, ":") {
		return l.params[1:]
	}
	_, t, _ := strings.Cut(l.params, " :")
	return t
}

var usernoticeKinds = map[string]chat.EventKind{
	"sub":                 chat.KindSubscription,
	"resub":               chat.KindSubscription,
	"giftpaidupgrade":     chat.KindSubscription,
	"primepaidupgrade":    chat.KindSubscription,
	"subgift":             chat.KindGift,
	"submysterygift":      chat.KindGift,
	"communitypayforward": chat.KindGift,
	"raid":                chat.KindRaid,
	"bitsbadgetier":       chat.KindCheer,
	"announcement":        chat.KindAnnouncement,
	"ritual":              chat.KindHighlight,
	"highlighted-message": chat.KindHighlight,
}

// parsePrivmsg builds a chat message from a PRIVMSG line. Tag-bearing lines
// go through the IRC library; tagless ones through a tolerant fallback.
func parsePrivmsg(l line) (chat.Message, bool) {
	if l.tags == "" {
		return parseTagless(l.raw)
	}
	pm, ok := irc.ParseMessage(l.raw).(*irc.PrivateMessage)
	if !ok {
		return parseTagless(strings.TrimPrefix(l.raw, "@"+l.tags+" "))
	}
	msg := chat.Message{
		Platform:  chat.Twitch,
		ID:        pm.ID,
		Username:  pm.User.DisplayName,
		UserID:    pm.User.ID,
		Text:      pm.Message,
		Timestamp: pm.Time,
		Color:     pm.User.Color,
		Badges:    badgeList(pm.Tags["badges"]),
		Emotes:    pm.Tags["emotes"],
		Kind:      chat.KindChat,
	}
	if msg.Username == "" {
		msg.Username = pm.User.Name
	}
	if msg.Username == "" {
		msg.Username = l.nick()
	}
	switch {
	case pm.Tags["custom-reward-id"] != "":
		msg.Kind = chat.KindRedemption
		msg.SetData("reward_id", pm.Tags["custom-reward-id"])
	case pm.Tags["bits"] != "":
		msg.Kind = chat.KindCheer
		if bits, err := strconv.Atoi(pm.Tags["bits"]); err == nil {
			msg.SetData("bits", bits)
		}
	case pm.Tags["msg-id"] == "highlighted-message":
		msg.Kind = chat.KindHighlight
	}
	recoverUsername(&msg)
	return msg, true
}

var taglessPrivmsg = regexp.MustCompile(`^:(.+?)!\S+ PRIVMSG #(\S+) :(.*)$`)

// parseTagless handles lines without IRCv3 tags. The nickname is everything
// up to the first "!", so non-ASCII names and misplaced tag blobs survive.
func parseTagless(raw string) (chat.Message, bool) {
	m := taglessPrivmsg.FindStringSubmatch(raw)
	if m == nil {
		return chat.Message{}, false
	}
	text := m[3]
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
	}
	msg := chat.Message{
		Platform: chat.Twitch,
		Username: m[1],
		Text:     text,
		Kind:     chat.KindChat,
	}
	recoverUsername(&msg)
	return msg, true
}

// recoverUsername repairs a message whose username field holds the raw tag
// blob ("@badge-info=...;display-name=Alice;... :alice!alice@..."). The tags
// move into Metadata and the name is taken from display-name or the prefix.
func recoverUsername(msg *chat.Message) {
	name := msg.Username
	if !strings.Contains(name, "=") || !strings.Contains(name, ";") {
		return
	}
	blob, prefix, _ := strings.Cut(name, " :")
	tags := parseTags(strings.TrimPrefix(blob, "@"))
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, len(tags))
	}
	for k, v := range tags {
		msg.Metadata[k] = v
	}
	recovered := tags["display-name"]
	if recovered == "" {
		recovered, _, _ = strings.Cut(prefix, "!")
	}
	if recovered == "" {
		recovered = tags["login"]
	}
	msg.Username = recovered
	if msg.ID == "" {
		msg.ID = tags["id"]
	}
	if msg.UserID == "" {
		msg.UserID = tags["user-id"]
	}
	if msg.Color == "" {
		msg.Color = tags["color"]
	}
	if len(msg.Badges) == 0 {
		msg.Badges = badgeList(tags["badges"])
	}
	if msg.Emotes == "" {
		msg.Emotes = tags["emotes"]
	}
}

var tagEscapes = strings.NewReplacer(`\s`, " ", `\:`, ";", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func parseTags(blob string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(blob, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[k] = tagEscapes.Replace(v)
	}
	return out
}

func badgeList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseUsernotice maps a USERNOTICE onto an event message.
func parseUsernotice(l line) (chat.Message, bool) {
	un, ok := irc.ParseMessage(l.raw).(*irc.UserNoticeMessage)
	if !ok {
		return chat.Message{}, false
	}
	kind, known := usernoticeKinds[un.MsgID]
	if !known {
		kind = chat.KindAnnouncement
	}
	text := un.Message
	if text == "" {
		text = un.SystemMsg
	}
	msg := chat.Message{
		Platform:  chat.Twitch,
		ID:        un.ID,
		Username:  un.User.DisplayName,
		UserID:    un.User.ID,
		Text:      text,
		Timestamp: un.Time,
		Color:     un.User.Color,
		Badges:    badgeList(un.Tags["badges"]),
		Emotes:    un.Tags["emotes"],
		Kind:      kind,
	}
	if msg.Username == "" {
		msg.Username = un.User.Name
	}
	msg.SetData("msg_id", un.MsgID)
	if un.SystemMsg != "" {
		msg.SetData("system_msg", un.SystemMsg)
	}
	for k, v := range un.MsgParams {
		msg.SetData(strings.TrimPrefix(k, "msg-param-"), v)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg, true
}

// parseClearmsg returns the deleted message id of a CLEARMSG.
func parseClearmsg(l line) string {
	if cm, ok := irc.ParseMessage(l.raw).(*irc.ClearMessage); ok && cm.TargetMsgID != "" {
		return cm.TargetMsgID
	}
	return parseTags(l.tags)["target-msg-id"]
}

// authFailure reports whether a NOTICE rejects the login.
func authFailure(l line) bool {
	lower := strings.ToLower(l.trailing())
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "invalid nick")
}
