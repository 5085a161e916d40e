// Package notify delivers lifecycle notifications. Messages are written to the
// outbox inside the transition's transaction and relayed to connected users
// after commit.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const TopicNotification = "notification"

// Message is the outbox payload for one notification.
type Message struct {
	ProjectID string    `json:"projectId"`
	Event     string    `json:"event"`
	UserIDs   []string  `json:"userIds,omitempty"`
	Admins    bool      `json:"admins,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Outbox enqueues messages inside the caller's transaction.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)`, TopicNotification, string(payload)); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
