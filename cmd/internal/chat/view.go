package chat

import (
	"context"

	"huddle/cmd/internal/profile"
)

// ConversationView is a conversation as seen by one user.
// Name and Image for personal chats are resolved from the peer's live profile on every read.
type ConversationView struct {
	Conversation

	Name        string
	Image       string
	PeerID      string
	UnreadCount int
}

func (s *Service) viewFor(ctx context.Context, c Conversation, viewerID string) ConversationView {
	views := s.viewsFor(ctx, []Conversation{c}, viewerID, nil)
	return views[0]
}

// viewsFor resolves display fields with a single directory lookup for all peers.
func (s *Service) viewsFor(ctx context.Context, convs []Conversation, viewerID string, unread map[string]int) []ConversationView {
	var peers []string
	for _, c := range convs {
		if c.Kind == KindPersonal {
			if p := c.Other(viewerID); p != "" {
				peers = append(peers, p)
			}
		}
	}

	infos := s.displayInfos(ctx, peers)

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v := ConversationView{Conversation: c.Clone(), UnreadCount: unread[c.ID]}
		switch c.Kind {
		case KindPersonal:
			v.PeerID = c.Other(viewerID)
			v.Name = FallbackUserName
			if info, ok := infos[v.PeerID]; ok {
				if info.Name != "" {
					v.Name = info.Name
				}
				v.Image = info.Image
			}
		case KindGroup:
			v.Name = FallbackGroupName
			if c.Group != nil {
				if c.Group.Name != "" {
					v.Name = c.Group.Name
				}
				v.Image = c.Group.Avatar
			}
		}
		out = append(out, v)
	}
	return out
}

// displayInfos never fails: directory errors and timeouts are logged and the fallbacks apply.
func (s *Service) displayInfos(ctx context.Context, userIDs []string) map[string]profile.DisplayInfo {
	if s.dir == nil || len(userIDs) == 0 {
		return nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	infos, err := s.dir.DisplayInfos(ctx, userIDs)
	if err != nil {
		s.log.Warn("chat.profile.lookup.fail", "users", len(userIDs), "err", err)
		return nil
	}
	return infos
}

// DisplayInfo resolves a single user's live profile. An unknown user gets FallbackUserName.
func (s *Service) DisplayInfo(ctx context.Context, userID string) profile.DisplayInfo {
	info := s.displayInfos(ctx, []string{userID})[userID]
	if info.Name == "" {
		info.Name = FallbackUserName
	}
	return info
}

// DisplayName is DisplayInfo(ctx, userID).Name.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	return s.DisplayInfo(ctx, userID).Name
}
