package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Personal conversations rely on the UNIQUE pair_key constraint (INSERT ... ON CONFLICT DO NOTHING).
//   - Appends take a per-conversation transactional advisory lock for seq allocation and a
//     FOR SHARE lock on the header, so membership changes (FOR UPDATE) cannot interleave with the check.
//   - The lastMessage summary is written with a seq compare-and-swap.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "huddle",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// SchemaSQL returns the DDL for the tables this store uses.
func SchemaSQL(schema string) (string, error) {
	if !isValidPGIdent(schema) {
		return "", errors.New("chat: invalid schema identifier")
	}
	conversations := pgIdent(schema, "conversations")
	members := pgIdent(schema, "conversation_members")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id                  TEXT PRIMARY KEY,
  kind                TEXT NOT NULL CHECK (kind IN ('personal', 'group')),
  pair_key            TEXT UNIQUE,
  group_name          TEXT NOT NULL DEFAULT '',
  group_avatar        TEXT NOT NULL DEFAULT '',
  created_by          TEXT NOT NULL DEFAULT '',
  last_message_id     TEXT,
  last_message_seq    BIGINT,
  last_message_sender TEXT,
  last_message_text   TEXT,
  last_message_at     TIMESTAMPTZ,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_pair_key CHECK ((kind = 'personal') = (pair_key IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS %[2]s (
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  is_admin        BOOLEAN NOT NULL DEFAULT false,
  last_read_seq   BIGINT NOT NULL DEFAULT 0,
  joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user
  ON %[2]s (user_id);

CREATE TABLE IF NOT EXISTS %[3]s (
  conversation_id TEXT PRIMARY KEY REFERENCES %[1]s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[4]s (
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  id              TEXT NOT NULL,
  client_msg_id   TEXT,
  sender_id       TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  attachments     JSONB NOT NULL DEFAULT '[]'::jsonb,
  reply_to        TEXT,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %[4]s (conversation_id, created_at, seq);
`, conversations, members, cursors, messages), nil
}

func (s *PostgresStore) conversations() string { return pgIdent(s.schema, "conversations") }
func (s *PostgresStore) members() string       { return pgIdent(s.schema, "conversation_members") }
func (s *PostgresStore) cursors() string       { return pgIdent(s.schema, "conversation_cursors") }
func (s *PostgresStore) messages() string      { return pgIdent(s.schema, "messages") }

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const conversationColumns = `id, kind, COALESCE(pair_key, ''), group_name, group_avatar, created_by,
       last_message_id, last_message_seq, last_message_sender, last_message_text, last_message_at, created_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c        Conversation
		kind     string
		gName    string
		gAvatar  string
		gBy      string
		lmID     *string
		lmSeq    *int64
		lmSender *string
		lmText   *string
		lmAt     *time.Time
	)
	if err := row.Scan(&c.ID, &kind, &c.PairKey, &gName, &gAvatar, &gBy,
		&lmID, &lmSeq, &lmSender, &lmText, &lmAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.Kind = Kind(kind)
	c.CreatedAt = c.CreatedAt.UTC()
	if c.Kind == KindGroup {
		c.Group = &GroupInfo{Name: gName, Avatar: gAvatar, CreatedBy: gBy}
	}
	if lmID != nil && lmSeq != nil {
		lm := LastMessage{MessageID: *lmID, Seq: *lmSeq}
		if lmSender != nil {
			lm.SenderID = *lmSender
		}
		if lmText != nil {
			lm.Text = *lmText
		}
		if lmAt != nil {
			lm.CreatedAt = lmAt.UTC()
		}
		c.LastMessage = &lm
	}
	return c, nil
}

// loadMembers fills Participants (and Admins for groups) for every conversation in byID.
func (s *PostgresStore) loadMembers(ctx context.Context, q querier, byID map[string]*Conversation) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := q.Query(ctx,
		`SELECT conversation_id, user_id, is_admin
		   FROM `+s.members()+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, user_id`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID, userID string
			isAdmin        bool
		)
		if err := rows.Scan(&convID, &userID, &isAdmin); err != nil {
			return err
		}
		c := byID[convID]
		if c == nil {
			continue
		}
		c.Participants = append(c.Participants, userID)
		if isAdmin && c.Group != nil {
			c.Group.Admins = append(c.Group.Admins, userID)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) getConversation(ctx context.Context, q querier, id string, lock string) (Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.conversations()+` WHERE id = $1`+lock,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if err := s.loadMembers(ctx, q, map[string]*Conversation{c.ID: &c}); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) insertConversation(ctx context.Context, tx pgx.Tx, c Conversation) error {
	var (
		pairKey             *string
		gName, gAvatar, gBy string
	)
	if c.Kind == KindPersonal {
		pk := c.PairKey
		pairKey = &pk
	}
	if c.Group != nil {
		gName, gAvatar, gBy = c.Group.Name, c.Group.Avatar, c.Group.CreatedBy
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.conversations()+` (id, kind, pair_key, group_name, group_avatar, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, string(c.Kind), pairKey, gName, gAvatar, gBy, c.CreatedAt.UTC(),
	); err != nil {
		return err
	}
	return s.insertMembers(ctx, tx, c)
}

func (s *PostgresStore) insertMembers(ctx context.Context, tx pgx.Tx, c Conversation) error {
	for _, uid := range c.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.members()+` (conversation_id, user_id, is_admin)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, user_id) DO UPDATE SET is_admin = EXCLUDED.is_admin`,
			c.ID, uid, c.IsAdmin(uid),
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FindOrCreatePersonal(ctx context.Context, c Conversation) (Conversation, bool, error) {
	if !c.Valid() || c.Kind != KindPersonal {
		return Conversation{}, false, ErrInvalidArgument
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent inserter of the same pair key makes this wait for its commit, then do nothing.
	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.conversations()+` (id, kind, pair_key, created_at)
		 VALUES ($1, 'personal', $2, $3)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id`,
		c.ID, c.PairKey, c.CreatedAt.UTC(),
	).Scan(&id)
	switch {
	case err == nil:
		if err := s.insertMembers(ctx, tx, c); err != nil {
			return Conversation{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, false, err
		}
		return c.Clone(), true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Conversation{}, false, err
	}
	_ = tx.Rollback(ctx)

	existing, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.conversations()+` WHERE pair_key = $1`,
		c.PairKey,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// The winner was deleted between our insert and read.
		return Conversation{}, false, ErrConflict
	}
	if err != nil {
		return Conversation{}, false, err
	}
	if err := s.loadMembers(ctx, s.pool, map[string]*Conversation{existing.ID: &existing}); err != nil {
		return Conversation{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) error {
	if !c.Valid() {
		return ErrInvalidArgument
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.insertConversation(ctx, tx, c); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	return s.getConversation(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+s.conversations()+`
		  WHERE id IN (SELECT conversation_id FROM `+s.members()+` WHERE user_id = $1)
		  ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byID := make(map[string]*Conversation, len(out))
	for i := range out {
		byID[out[i].ID] = &out[i]
	}
	if err := s.loadMembers(ctx, s.pool, byID); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Conversation{}
	}
	return out, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (Conversation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.getConversation(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return Conversation{}, err
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Conversation{}, err
	}
	next.ID, next.Kind, next.PairKey, next.CreatedAt = cur.ID, cur.Kind, cur.PairKey, cur.CreatedAt

	if next.Group != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.conversations()+` SET group_name = $2, group_avatar = $3 WHERE id = $1`,
			id, next.Group.Name, next.Group.Avatar,
		); err != nil {
			return Conversation{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+s.members()+` WHERE conversation_id = $1 AND NOT (user_id = ANY($2))`,
		id, next.Participants,
	); err != nil {
		return Conversation{}, err
	}
	if err := s.insertMembers(ctx, tx, next); err != nil {
		return Conversation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return next, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize with in-flight appends.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	for _, table := range []string{s.messages(), s.members(), s.cursors()} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE conversation_id = $1`, id); err != nil {
			return false, err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM `+s.conversations()+` WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.ID == "" {
		return AppendResult{}, ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// TIMESTAMPTZ keeps microseconds.
	now = now.UTC().Truncate(time.Microsecond)

	attachments, err := encodeAttachments(in.Attachments)
	if err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var one int
	if err := tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.conversations()+` WHERE id = $1 FOR SHARE`,
		in.ConversationID,
	).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, ErrNotFound
		}
		return AppendResult{}, err
	}

	var member bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.members()+` WHERE conversation_id = $1 AND user_id = $2)`,
		in.ConversationID, in.SenderID,
	).Scan(&member); err != nil {
		return AppendResult{}, err
	}
	if !member {
		return AppendResult{}, ErrForbidden
	}

	if in.ClientMsgID != "" {
		existing, err := s.readMessage(ctx, tx, `conversation_id = $1 AND client_msg_id = $2`, in.ConversationID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return AppendResult{}, err
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.cursors()+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+s.cursors()+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	// created_at never goes backwards within a conversation, so history order matches seq order.
	var prev time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM `+s.messages()+` WHERE conversation_id = $1 ORDER BY seq DESC LIMIT 1`,
		in.ConversationID,
	).Scan(&prev)
	switch {
	case err == nil:
		if prev.After(now) {
			now = prev.UTC()
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.messages()+` (
		     conversation_id, seq, id, client_msg_id, sender_id, text, attachments, reply_to, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ConversationID, seq, in.ID, nullIfEmpty(in.ClientMsgID), in.SenderID, in.Text, attachments,
		nullIfEmpty(in.ReplyTo), now.UTC(),
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Message: Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Seq:            seq,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Attachments:    in.Attachments,
		ReplyTo:        in.ReplyTo,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now.UTC(),
	}}, nil
}

const messageColumns = `conversation_id, seq, id, COALESCE(client_msg_id, ''), sender_id, text, attachments,
       COALESCE(reply_to, ''), created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		raw []byte
	)
	if err := row.Scan(&m.ConversationID, &m.Seq, &m.ID, &m.ClientMsgID, &m.SenderID, &m.Text, &raw,
		&m.ReplyTo, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	atts, err := decodeAttachments(raw)
	if err != nil {
		return Message{}, err
	}
	m.Attachments = atts
	return m, nil
}

func (s *PostgresStore) readMessage(ctx context.Context, q querier, where string, args ...any) (Message, error) {
	m, err := scanMessage(q.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE `+where,
		args...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	return s.readMessage(ctx, s.pool, `conversation_id = $1 AND id = $2`, conversationID, messageID)
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, q PageQuery) ([]Message, int, error) {
	q = q.Normalize()

	// One snapshot for the total and the page.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.conversations()+` WHERE id = $1)`,
		conversationID,
	).Scan(&exists); err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, ErrNotFound
	}

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+s.messages()+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	if q.Skip >= total {
		return []Message{}, total, nil
	}

	order := `ORDER BY created_at ASC, seq ASC`
	if q.Sort == SortDesc {
		order = `ORDER BY created_at DESC, seq DESC`
	}

	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.messages()+`
		  WHERE conversation_id = $1
		  `+order+`
		  OFFSET $2 LIMIT $3`,
		conversationID, q.Skip, q.Limit,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID string) (Message, error) {
	return s.readMessage(ctx, s.pool,
		`conversation_id = $1 ORDER BY seq DESC LIMIT 1`,
		conversationID,
	)
}

func (s *PostgresStore) SetLastMessage(ctx context.Context, conversationID string, lm LastMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.conversations()+`
		    SET last_message_id = $2,
		        last_message_seq = $3,
		        last_message_sender = $4,
		        last_message_text = $5,
		        last_message_at = $6
		  WHERE id = $1 AND (last_message_seq IS NULL OR last_message_seq < $3)`,
		conversationID, lm.MessageID, lm.Seq, lm.SenderID, lm.Text, lm.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.conversations()+` WHERE id = $1)`,
		conversationID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.members()+`
		    SET last_read_seq = GREATEST(last_read_seq,
		          COALESCE((SELECT next_seq - 1 FROM `+s.cursors()+` WHERE conversation_id = $1), 0))
		  WHERE conversation_id = $1 AND user_id = $2
		RETURNING last_read_seq`,
		conversationID, userID,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.conversations()+` WHERE id = $1)`,
		conversationID,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrForbidden
}

func (s *PostgresStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.conversation_id, COUNT(*)
		   FROM `+s.members()+` m
		   JOIN `+s.messages()+` msg
		     ON msg.conversation_id = m.conversation_id
		    AND msg.seq > m.last_read_seq
		    AND msg.sender_id <> m.user_id
		  WHERE m.user_id = $1
		  GROUP BY m.conversation_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

type pgAttachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func encodeAttachments(in []Attachment) ([]byte, error) {
	out := make([]pgAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, pgAttachment(a))
	}
	return json.Marshal(out)
}

func decodeAttachments(raw []byte) ([]Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []pgAttachment
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, Attachment(a))
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
