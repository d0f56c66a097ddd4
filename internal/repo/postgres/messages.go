package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

// MessageStore is the append-only audit log of raw step events. Rows are
// never updated or deleted.
type MessageStore struct {
	db DB
}

const (
	insertMessageQuery = `INSERT INTO train_messages (message_id, train_job_name, content, created_at)
	VALUES ($1,$2,$3,$4)`

	listMessagesQuery = `SELECT message_id, train_job_name, content, created_at
	 FROM train_messages
	 WHERE train_job_name = $1
	 ORDER BY created_at ASC, message_id ASC`
)

func NewMessageStore(db DB) *MessageStore {
	if db == nil {
		return nil
	}
	return &MessageStore{db: db}
}

func (s *MessageStore) AppendMessage(ctx context.Context, message repo.Message) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("message store not initialized")
	}
	trainJobName := strings.TrimSpace(message.TrainJobName)
	if trainJobName == "" {
		return fmt.Errorf("train job name is required")
	}
	if len(message.Content) == 0 {
		return fmt.Errorf("message content is required")
	}

	id := strings.TrimSpace(message.ID)
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(
		ctx,
		insertMessageQuery,
		id,
		trainJobName,
		[]byte(message.Content),
		normalizeTime(message.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) ListMessages(ctx context.Context, trainJobName string) ([]repo.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("message store not initialized")
	}
	trainJobName = strings.TrimSpace(trainJobName)
	if trainJobName == "" {
		return nil, fmt.Errorf("train job name is required")
	}

	rows, err := s.db.QueryContext(ctx, listMessagesQuery, trainJobName)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]repo.Message, 0)
	for rows.Next() {
		var message repo.Message
		var content []byte
		if err := rows.Scan(&message.ID, &message.TrainJobName, &content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Content = content
		message.CreatedAt = message.CreatedAt.UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
