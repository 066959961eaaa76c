// Package events publishes committed chat domain events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"huddle/cmd/identity/ids"
	"huddle/cmd/internal/chat"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultStream        = "HUDDLE_CHAT"
	DefaultSubjectPrefix = "huddle.chat"
	defaultMaxAge        = 7 * 24 * time.Hour
)

// Config configures the JetStream publisher.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

func (c *Config) defaults() {
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = DefaultStream
	}
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
}

// JetStreamPublisher implements chat.Publisher.
// Subjects are <prefix>.<conversation_id>; the stream captures <prefix>.>.
type JetStreamPublisher struct {
	log    *slog.Logger
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

var _ chat.Publisher = (*JetStreamPublisher)(nil)

// NewJetStreamPublisher connects to NATS and ensures the stream exists.
func NewJetStreamPublisher(ctx context.Context, log *slog.Logger, cfg Config) (*JetStreamPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: nats url is empty")
	}
	cfg.defaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("huddle"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("events.nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("events.nats.reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: jetstream: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Committed chat domain events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		// Publishes carry Nats-Msg-Id, so retries within this window are deduplicated.
		Duplicates: 2 * time.Minute,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: ensure stream %q: %w", cfg.Stream, err)
	}

	log.Info("events.stream.ready", "stream", cfg.Stream, "subjects", cfg.SubjectPrefix+".>")
	return &JetStreamPublisher{log: log, nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Publish sends ev to <prefix>.<conversation_id>.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev chat.Event) error {
	rec, err := NewRecord(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	subject := Subject(p.prefix, ev.ConversationID)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(rec.ID)); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.log.Debug("events.published", "subject", subject, "type", rec.Type, "id", rec.ID)
	return nil
}

// Close drains the connection.
func (p *JetStreamPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Subject builds the subject for conversationID. Token separators and wildcards are replaced.
func Subject(prefix, conversationID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, conversationID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

// Record is the wire form of a chat.Event.
type Record struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	SubjectID      string         `json:"subject_id,omitempty"`
	At             time.Time      `json:"at"`
	Message        *MessageRecord `json:"message,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Participants   []string       `json:"participants,omitempty"`
}

// MessageRecord is the message body carried by message.created.
type MessageRecord struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text,omitempty"`
	Attachments int       `json:"attachments,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRecord converts ev, assigning a fresh event id.
func NewRecord(ev chat.Event) (Record, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	id, err := ids.NewULID(at)
	if err != nil {
		return Record{}, fmt.Errorf("events: id: %w", err)
	}

	rec := Record{
		ID:             id,
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		ActorID:        ev.ActorID,
		SubjectID:      ev.SubjectID,
		At:             at,
	}
	if m := ev.Message; m != nil {
		rec.Message = &MessageRecord{
			ID:          m.ID,
			Seq:         m.Seq,
			SenderID:    m.SenderID,
			Text:        m.Text,
			Attachments: len(m.Attachments),
			ReplyTo:     m.ReplyTo,
			CreatedAt:   m.CreatedAt,
		}
	}
	if c := ev.Conversation; c != nil {
		rec.Kind = string(c.Kind)
		rec.Participants = append([]string(nil), c.Participants...)
	}
	return rec, nil
}
