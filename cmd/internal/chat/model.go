// Package chat implements conversation identity resolution and message persistence.
//
// Service is the only entrypoint used by the transports (REST and realtime), so
// validation and participant authorization are enforced identically on both.
// Store implementations (Postgres, in-memory) provide the atomic primitives:
// find-or-create by pair key, per-conversation sequence allocation, membership
// checks inside the append, and compare-and-swap on the lastMessage summary.
package chat

import (
	"slices"
	"strings"
	"time"
)

// Kind discriminates the conversation variants.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindGroup    Kind = "group"
)

func (k Kind) Valid() bool { return k == KindPersonal || k == KindGroup }

// Limits.
const (
	MaxMessageChars   = 4000
	MaxAttachments    = 10
	MaxGroupNameChars = 120
	MaxGroupMembers   = 1000

	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Display fallbacks when no profile/name is available.
const (
	FallbackUserName  = "Unknown User"
	FallbackGroupName = "Group"
)

// Conversation is the header row. Exactly one variant is populated:
//   - KindPersonal: Participants has 2 distinct ids, Group is nil, PairKey is set.
//   - KindGroup: Group is non-nil, Participants has >= 1 id.
type Conversation struct {
	ID           string
	Kind         Kind
	Participants []string // sorted, unique
	PairKey      string
	Group        *GroupInfo
	LastMessage  *LastMessage
	CreatedAt    time.Time
}

// GroupInfo holds group-only metadata.
type GroupInfo struct {
	Name      string
	Avatar    string
	CreatedBy string
	Admins    []string // sorted, unique, subset of Participants
}

// LastMessage is the denormalized summary. It is a cache: history is the source of truth.
type LastMessage struct {
	MessageID string
	Seq       int64
	SenderID  string
	Text      string
	CreatedAt time.Time
}

// Attachment is a file reference.
type Attachment struct {
	URL  string
	Type string
	Name string
	Size int64
}

// Message is immutable once stored.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	Text           string
	Attachments    []Attachment
	ReplyTo        string
	ClientMsgID    string
	CreatedAt      time.Time
}

// Summary derives the lastMessage summary for m.
func (m Message) Summary() LastMessage {
	text := m.Text
	if text == "" && len(m.Attachments) > 0 {
		text = "[attachment]"
	}
	return LastMessage{
		MessageID: m.ID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Text:      text,
		CreatedAt: m.CreatedAt,
	}
}

// PairKey is the canonical unordered-pair key for a personal conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NewPersonal builds a personal conversation header for {a, b}.
func NewPersonal(id, a, b string, now time.Time) Conversation {
	p := normalizeIDs([]string{a, b})
	return Conversation{
		ID:           id,
		Kind:         KindPersonal,
		Participants: p,
		PairKey:      PairKey(a, b),
		CreatedAt:    now,
	}
}

// NewGroup builds a group header. The creator is always a participant and an admin.
func NewGroup(id, creator, name, avatar string, participants []string, now time.Time) Conversation {
	all := normalizeIDs(append([]string{creator}, participants...))
	return Conversation{
		ID:           id,
		Kind:         KindGroup,
		Participants: all,
		Group: &GroupInfo{
			Name:      name,
			Avatar:    avatar,
			CreatedBy: creator,
			Admins:    []string{creator},
		},
		CreatedAt: now,
	}
}

// HasParticipant reports membership.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := slices.BinarySearch(c.Participants, userID)
	return ok
}

// IsAdmin reports whether userID administers a group. Always false for personal conversations.
func (c Conversation) IsAdmin(userID string) bool {
	if c.Group == nil {
		return false
	}
	_, ok := slices.BinarySearch(c.Group.Admins, userID)
	return ok
}

// Other returns the peer of userID in a personal conversation.
func (c Conversation) Other(userID string) string {
	if c.Kind != KindPersonal {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Valid checks the variant invariants.
func (c Conversation) Valid() bool {
	switch c.Kind {
	case KindPersonal:
		return c.Group == nil && len(c.Participants) == 2 && c.Participants[0] != c.Participants[1] &&
			c.PairKey == PairKey(c.Participants[0], c.Participants[1])
	case KindGroup:
		if c.Group == nil || len(c.Participants) == 0 {
			return false
		}
		for _, a := range c.Group.Admins {
			if !c.HasParticipant(a) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so callers never share slices with a store.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.Group != nil {
		g := *c.Group
		g.Admins = slices.Clone(c.Group.Admins)
		out.Group = &g
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// addParticipant inserts userID keeping the slice sorted. Returns false when already present.
func (c *Conversation) addParticipant(userID string) bool {
	i, ok := slices.BinarySearch(c.Participants, userID)
	if ok {
		return false
	}
	c.Participants = slices.Insert(c.Participants, i, userID)
	return true
}

// removeParticipant drops userID from participants and admins. Returns false when absent.
func (c *Conversation) removeParticipant(userID string) bool {
	i, ok := slices.BinarySearch(c.Participants, userID)
	if !ok {
		return false
	}
	c.Participants = slices.Delete(c.Participants, i, i+1)
	if c.Group != nil {
		if j, ok := slices.BinarySearch(c.Group.Admins, userID); ok {
			c.Group.Admins = slices.Delete(c.Group.Admins, j, j+1)
		}
		if len(c.Group.Admins) == 0 && len(c.Participants) > 0 {
			c.Group.Admins = []string{c.Participants[0]}
		}
	}
	return true
}

func normalizeIDs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
