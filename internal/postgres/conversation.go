package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

// ConversationRepository abstracts database access for conversations,
// including the sticky conversation→node relation.
type ConversationRepository interface {
	// GetOrCreate resolves the conversation, creating it when the ID is
	// empty or unknown. Returns the conversation and whether it was created.
	GetOrCreate(ctx context.Context, id, title string) (*domain.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	// Touch bumps last_active_at; called on every new task.
	Touch(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]*domain.Conversation, error)

	// SetStickyNode records the conversation's sticky node assignment. The
	// assignment is a soft preference, not an ownership edge.
	SetStickyNode(ctx context.Context, id, nodeID string) error
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository wraps a pgxpool with the ConversationRepository interface.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

func (r *conversationRepository) GetOrCreate(ctx context.Context, id, title string) (*domain.Conversation, bool, error) {
	if id != "" {
		conv, err := r.GetByID(ctx, id)
		if err == nil {
			return conv, false, nil
		}
		var notFound *domain.ConversationNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, err
		}
		// Unknown ID: honor it as the new conversation's ID so the client's
		// reference stays valid.
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:           id,
		Title:        title,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if conv.ID == "" {
		conv.ID = newID()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, title, created_at, last_active_at)
		VALUES ($1, $2, $3, $4)
	`, conv.ID, conv.Title, conv.CreatedAt, conv.LastActiveAt)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation %s: %w", conv.ID, err)
	}
	return conv, true, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	var sticky *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, sticky_node_id, created_at, last_active_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Title, &sticky, &c.CreatedAt, &c.LastActiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ConversationNotFoundError{ConversationID: id}
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if sticky != nil {
		c.StickyNodeID = *sticky
	}
	return &c, nil
}

func (r *conversationRepository) Touch(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET last_active_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

func (r *conversationRepository) ListRecent(ctx context.Context, limit int) ([]*domain.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, sticky_node_id, created_at, last_active_at
		FROM conversations
		ORDER BY last_active_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var sticky *string
		if err := rows.Scan(&c.ID, &c.Title, &sticky, &c.CreatedAt, &c.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if sticky != nil {
			c.StickyNodeID = *sticky
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

func (r *conversationRepository) SetStickyNode(ctx context.Context, id, nodeID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET sticky_node_id = $1 WHERE id = $2
	`, nodeID, id)
	if err != nil {
		return fmt.Errorf("set sticky node for conversation %s: %w", id, err)
	}
	return nil
}
