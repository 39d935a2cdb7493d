// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GeneralTopicID is the forum topic that holds messages posted outside any topic.
const GeneralTopicID = 1

// ChannelRef identifies a chat, channel or forum topic.
// TopicID 0 means the whole chat.
type ChannelRef struct {
	ChatID  int64
	TopicID int
}

// Chat returns a ChannelRef without topic.
func Chat(id int64) ChannelRef {
	return ChannelRef{ChatID: id}
}

// WholeChat strips the topic from r.
func (r ChannelRef) WholeChat() ChannelRef {
	return ChannelRef{ChatID: r.ChatID}
}

// IsZero reports whether r is unset.
func (r ChannelRef) IsZero() bool {
	return r.ChatID == 0
}

func (r ChannelRef) String() string {
	if r.TopicID == 0 {
		return strconv.FormatInt(r.ChatID, 10)
	}
	return fmt.Sprintf("%d#%d", r.ChatID, r.TopicID)
}

// ParseChannelRef parses "<chat id>" or "<chat id>#<topic id>".
func ParseChannelRef(s string) (ChannelRef, error) {
	s = strings.TrimSpace(s)
	chatPart, topicPart, hasTopic := strings.Cut(s, "#")
	id, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("invalid chat id %q", chatPart)
	}
	ref := ChannelRef{ChatID: id}
	if hasTopic {
		topic, err := strconv.Atoi(topicPart)
		if err != nil || topic <= 0 {
			return ChannelRef{}, fmt.Errorf("invalid topic id %q", topicPart)
		}
		ref.TopicID = topic
	}
	return ref, nil
}

// SendMode selects how a message is re-published in a target.
type SendMode string

// Supported send modes.
const (
	ModeCopy    SendMode = "copy"
	ModeForward SendMode = "forward"
)

// Valid reports whether m is a known send mode.
func (m SendMode) Valid() bool {
	return m == ModeCopy || m == ModeForward
}

// MediaKind is the kind of an attached media item.
type MediaKind string

// Supported media kinds.
const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaAnimation MediaKind = "animation"
	MediaOther     MediaKind = "other"
)

// Media references an attachment by its network file id.
type Media struct {
	Kind   MediaKind
	FileID string
}

// Entity is a formatting or link span inside message text.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
	// UserID is set for text_mention entities.
	UserID int64
}

// Entity types the filters care about.
const (
	EntityURL         = "url"
	EntityTextLink    = "text_link"
	EntityMention     = "mention"
	EntityTextMention = "text_mention"
)

// MessageRef points at a single message in a chat.
type MessageRef struct {
	Chat ChannelRef
	ID   int
}

// Message is one logical unit of channel activity. Album members are
// coalesced into a single Message whose Members keep per-item content.
type Message struct {
	Chat         ChannelRef
	ID           int
	MediaGroupID string
	Text         string
	Entities     []Entity
	Media        []Media
	ReplyToID    int
	// AutoForwardOf is set for the copy of a channel post that the
	// network places into the linked discussion group.
	AutoForwardOf *MessageRef
	Edited        bool
	Protected     bool
	Author        string
	ChatTitle     string
	ChatUsername  string
	Date          time.Time
	Members       []Message
}

// GroupKey returns the correlation group key of m.
func (m Message) GroupKey() string {
	if m.MediaGroupID != "" {
		return AlbumKey(m.MediaGroupID)
	}
	return strconv.Itoa(m.ID)
}

// Key returns the correlation key of m.
func (m Message) Key() CorrelationKey {
	return CorrelationKey{Source: m.Chat, Group: m.GroupKey()}
}

// IsAlbum reports whether m was coalesced from several album members.
func (m Message) IsAlbum() bool {
	return len(m.Members) > 0
}

// Parts returns the album members, or m itself for a single message.
func (m Message) Parts() []Message {
	if m.IsAlbum() {
		return m.Members
	}
	return []Message{m}
}

// SourceIDs returns the ids of every physical message in m.
func (m Message) SourceIDs() []int {
	parts := m.Parts()
	ids := make([]int, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids
}

// Clone returns a deep copy of m so filters can modify it freely.
func (m Message) Clone() Message {
	c := m
	c.Entities = append([]Entity(nil), m.Entities...)
	c.Media = append([]Media(nil), m.Media...)
	if m.AutoForwardOf != nil {
		ref := *m.AutoForwardOf
		c.AutoForwardOf = &ref
	}
	if m.Members != nil {
		c.Members = make([]Message, len(m.Members))
		for i, mem := range m.Members {
			c.Members[i] = mem.Clone()
		}
	}
	return c
}

const albumPrefix = "album:"

// AlbumKey builds the group key for a media group.
func AlbumKey(mediaGroupID string) string {
	return albumPrefix + mediaGroupID
}

// IsAlbumKey reports whether group was built by AlbumKey.
func IsAlbumKey(group string) bool {
	return strings.HasPrefix(group, albumPrefix)
}

// ThreadAnchorKey builds the group key under which the discussion root of a
// mirrored post is recorded in the target chat.
func ThreadAnchorKey(postID int) string {
	return "thread:" + strconv.Itoa(postID)
}

// EventKind is the kind of channel activity.
type EventKind string

// Supported event kinds.
const (
	EventNew    EventKind = "new"
	EventEdit   EventKind = "edit"
	EventDelete EventKind = "delete"
)

// Event is a single notification delivered by the gateway.
// For deletes only Chat, IDs and optionally MediaGroupID are set. With a
// MediaGroupID, IDs name the album members removed; none means all of them.
type Event struct {
	ID           string
	Kind         EventKind
	Message      Message
	Chat         ChannelRef
	IDs          []int
	MediaGroupID string
}

// Keys returns the correlation keys the event touches.
func (e Event) Keys() []CorrelationKey {
	if e.Kind != EventDelete {
		return []CorrelationKey{e.Message.Key()}
	}
	if e.MediaGroupID != "" {
		return []CorrelationKey{{Source: e.Chat, Group: AlbumKey(e.MediaGroupID)}}
	}
	keys := make([]CorrelationKey, len(e.IDs))
	for i, id := range e.IDs {
		keys[i] = CorrelationKey{Source: e.Chat, Group: strconv.Itoa(id)}
	}
	return keys
}

// CorrelationKey identifies a source message group.
type CorrelationKey struct {
	Source ChannelRef
	Group  string
}

func (k CorrelationKey) String() string {
	return k.Source.String() + "/" + k.Group
}

// MirrorRef is one mirrored copy of a source message.
type MirrorRef struct {
	Target    ChannelRef
	MessageID int
	SourceID  int
}

// CorrelationRecord links a source message group to its mirrored copies.
type CorrelationRecord struct {
	Key     CorrelationKey
	Mirrors []MirrorRef
	// Thread links a channel post to its discussion root and back.
	Thread    *MessageRef
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MirrorsIn returns the copies placed in target.
func (r *CorrelationRecord) MirrorsIn(target ChannelRef) []MirrorRef {
	var out []MirrorRef
	for _, m := range r.Mirrors {
		if m.Target == target {
			out = append(out, m)
		}
	}
	return out
}

// Targets returns the distinct targets of r in first-seen order.
func (r *CorrelationRecord) Targets() []ChannelRef {
	var out []ChannelRef
	seen := make(map[ChannelRef]bool)
	for _, m := range r.Mirrors {
		if !seen[m.Target] {
			seen[m.Target] = true
			out = append(out, m.Target)
		}
	}
	return out
}

// Permalink returns the public link to m, or "" for private chats.
func (m Message) Permalink() string {
	if m.ChatUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", m.ChatUsername, m.ID)
	}
	internal, ok := internalChannelID(m.Chat.ChatID)
	if !ok {
		return ""
	}
	link := fmt.Sprintf("https://t.me/c/%d/%d", internal, m.ID)
	if m.ReplyToID != 0 && m.AutoForwardOf == nil {
		link += fmt.Sprintf("?thread=%d", m.ReplyToID)
	}
	return link
}

// internalChannelID strips the -100 prefix supergroups and channels carry in
// the bot API.
func internalChannelID(chatID int64) (int64, bool) {
	const channelOffset = 1_000_000_000_000
	if chatID >= -channelOffset {
		return 0, false
	}
	return -chatID - channelOffset, true
}

// Clone returns a deep copy of r.
func (r *CorrelationRecord) Clone() *CorrelationRecord {
	c := *r
	c.Mirrors = append([]MirrorRef(nil), r.Mirrors...)
	if r.Thread != nil {
		thread := *r.Thread
		c.Thread = &thread
	}
	return &c
}
