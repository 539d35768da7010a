// Package memory persists conversation summaries in Postgres with pgvector
// embeddings and recalls them by similarity for new turns.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/auralis-io/auralis/internal/id"
	"github.com/auralis-io/auralis/internal/providers"
)

const queryTimeout = 5 * time.Second

// recallLimit bounds how many memories feed a single turn's context.
const recallLimit = 5

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Embedder produces the vector for a text. *EmbeddingClient is the
// production implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store implements providers.Memory on Postgres + pgvector. One Store is
// shared by all sessions, so it carries no per-session state; the device
// identity arrives with each call.
type Store struct {
	db       DB
	embedder Embedder
	logger   *slog.Logger
}

// NewStore creates a memory store.
func NewStore(db DB, embedder Embedder, logger *slog.Logger) *Store {
	return &Store{db: db, embedder: embedder, logger: logger}
}

// InitMemory implements providers.Memory. The store keeps nothing per
// session, so this only records the session open.
func (s *Store) InitMemory(ctx context.Context, deviceID, sessionID string) error {
	s.logger.Debug("memory: session opened", "device_id", deviceID, "session_id", sessionID)
	return nil
}

// QueryMemory implements providers.Memory. It returns recalled memories
// joined by newlines, or an empty string when nothing relevant exists.
func (s *Store) QueryMemory(ctx context.Context, deviceID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("memory: embed query: %w", err)
	}

	query := `
		SELECT content
		FROM auralis_memories
		WHERE device_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, deviceID, pgvector.NewVector(embedding), recallLimit)
	if err != nil {
		return "", fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var recalled []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("memory: scan: %w", err)
		}
		recalled = append(recalled, content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("memory: iterate: %w", err)
	}

	return strings.Join(recalled, "\n"), nil
}

// SaveMemory implements providers.Memory. The dialogue is flattened to a
// transcript, embedded and inserted. Callers run this detached during
// teardown, so it must not depend on connection state.
func (s *Store) SaveMemory(ctx context.Context, deviceID string, dialogue []providers.Message, sessionID string) error {
	transcript := flattenDialogue(dialogue)
	if transcript == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout+embeddingTimeout)
	defer cancel()

	embedding, err := s.embedder.Embed(ctx, transcript)
	if err != nil {
		return fmt.Errorf("memory: embed transcript: %w", err)
	}

	query := `
		INSERT INTO auralis_memories (id, device_id, session_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.db.Exec(ctx, query,
		id.New("mem"),
		deviceID,
		sessionID,
		transcript,
		pgvector.NewVector(embedding),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}

	s.logger.Debug("memory: conversation saved", "session_id", sessionID, "chars", len(transcript))
	return nil
}

// flattenDialogue renders user and assistant turns as "role: content"
// lines. System and tool messages carry no memorable content.
func flattenDialogue(dialogue []providers.Message) string {
	var lines []string
	for _, m := range dialogue {
		if m.Role != providers.RoleUser && m.Role != providers.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
