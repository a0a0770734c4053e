// Package chat defines the platform-neutral records that flow through the
// aggregator: canonical chat messages, deletions and connector status events.
//
// Every connector parses its wire protocol into a Message and hands it to the
// dispatcher. A Message carries the originating Platform, the platform message
// id (possibly empty), the display name, the body text and an EventKind that
// distinguishes plain chat from monetization and community events such as
// subscriptions, raids or channel point redemptions. Kind-specific attributes
// (months, bits, viewers, reward_title, ...) live in Message.Data.
//
// Identities: each platform can hold two authenticated identities, the
// streamer (which reads) and the bot (which sends). Either identity may send
// when the other is unavailable.
package chat
