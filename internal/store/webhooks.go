package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acmelabs/product-importer/internal/webhook"
)

// WebhookRegistry reads webhook registrations. Registration CRUD belongs to
// an external collaborator; the dispatcher only needs the read path.
type WebhookRegistry struct {
	pool *pgxpool.Pool
}

// NewWebhookRegistry creates a registry on the given pool.
func NewWebhookRegistry(pool *pgxpool.Pool) *WebhookRegistry {
	return &WebhookRegistry{pool: pool}
}

// EnabledForEvent returns the enabled subscribers whose event-type filter
// exactly matches eventType.
func (r *WebhookRegistry) EnabledForEvent(ctx context.Context, eventType string) ([]webhook.Subscriber, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, url, event_type, enabled
		FROM webhooks
		WHERE event_type = $1 AND enabled`,
		eventType)
	if err != nil {
		return nil, fmt.Errorf("query webhooks for %s: %w", eventType, err)
	}
	defer rows.Close()

	var subs []webhook.Subscriber
	for rows.Next() {
		var sub webhook.Subscriber
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.EventType, &sub.Enabled); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return subs, nil
}
