// Package grouplog keeps an audit trail of group messages that did not
// address the agent. It is write-mostly and never feeds processing.
package grouplog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const DefaultRecentLimit = 50

// Entry is one logged message.
type Entry struct {
	ID        int64           `json:"id"`
	MsgID     string          `json:"msgId"`
	Hash      string          `json:"hash"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	ChatID    string          `json:"chatId"`
	Content   string          `json:"content"`
	IsGroup   bool            `json:"isGroup"`
	IsAtMe    bool            `json:"isAtMe"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file if needed and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// payload carries the kind-specific fields that have no column.
type payload struct {
	Path       string   `json:"path,omitempty"`
	FileName   string   `json:"fileName,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
	URL        string   `json:"url,omitempty"`
	Title      string   `json:"title,omitempty"`
	Quoted     *payload `json:"quoted,omitempty"`
	QuotedText string   `json:"quotedText,omitempty"`
}

func payloadOf(msg domain.ChatMessage) *payload {
	var p payload
	if m, ok := msg.Media(); ok {
		p.Path, p.FileName, p.Transcript = m.Path, m.FileName, m.Transcript
	}
	switch msg.Kind() {
	case domain.KindLink:
		p.URL, p.Title = msg.URL(), msg.Text()
	case domain.KindQuote:
		if q, ok := msg.Quoted(); ok {
			p.Quoted = payloadOf(q)
			p.QuotedText = q.Content()
		}
	}
	if p == (payload{}) {
		return nil
	}
	return &p
}

// Record stores msg. A message whose hash is already logged is ignored.
func (s *Store) Record(ctx context.Context, msg domain.ChatMessage) error {
	env := msg.Envelope()
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	hash := env.Hash
	if hash == "" {
		hash = fingerprint(env, msg.Content())
	}
	at := env.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	var extra []byte
	if p := payloadOf(msg); p != nil {
		var err error
		if extra, err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_messages
		 (msg_id, msg_hash, msg_type, sender, chat_id, content, is_group, is_at_me, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, hash, string(msg.Kind()), env.Sender, env.ConversationID, msg.Content(),
		env.IsGroup, env.MentionsAgent, nullable(extra), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record group message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.GroupLogWrites.Inc()
	}
	return nil
}

// Recent returns the newest entries, newest first. An empty chat means
// every conversation.
func (s *Store) Recent(ctx context.Context, chat string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	query := `SELECT id, msg_id, msg_hash, msg_type, sender, chat_id, content, is_group, is_at_me, payload, created_at
		FROM group_messages`
	args := []any{}
	if chat != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, chat)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query group messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			sender  sql.NullString
			content sql.NullString
			extra   sql.NullString
			millis  int64
		)
		if err := rows.Scan(&e.ID, &e.MsgID, &e.Hash, &e.Type, &sender, &e.ChatID, &content,
			&e.IsGroup, &e.IsAtMe, &extra, &millis); err != nil {
			return nil, fmt.Errorf("scan group message: %w", err)
		}
		e.Sender, e.Content = sender.String, content.String
		if extra.Valid && extra.String != "" {
			e.Payload = json.RawMessage(extra.String)
		}
		e.CreatedAt = time.UnixMilli(millis)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_messages WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune group messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("group log pruned", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count group messages: %w", err)
	}
	return n, nil
}

// Ping checks the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// fingerprint derives a dedupe key for messages the driver did not hash.
func fingerprint(env domain.Envelope, content string) string {
	h := sha256.New()
	for _, part := range []string{env.ConversationID, env.Sender, env.ID, content, strconv.FormatInt(env.ReceivedAt.UnixNano(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
