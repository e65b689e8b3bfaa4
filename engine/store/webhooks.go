package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const webhookColumns = "id, url, secret, events, active, failure_count, last_triggered, created_at"

// CreateWebhook inserts a subscriber.
func (s *Store) CreateWebhook(ctx context.Context, hook *model.Webhook) error {
	query, args, err := s.sq.Insert("webhooks").
		Columns("id", "url", "secret", "events", "active", "failure_count", "last_triggered", "created_at").
		Values(hook.ID, hook.URL, hook.Secret, hook.Events, hook.Active, hook.FailureCount, utcNull(hook.LastTriggered), hook.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("webhook %s already exists", hook.ID)
		}
		return fmt.Errorf("inserting webhook: %w", err)
	}
	return nil
}

// GetWebhook fetches a subscriber by ID.
func (s *Store) GetWebhook(ctx context.Context, id core.ID) (*model.Webhook, error) {
	query, args, err := s.sq.Select(webhookColumns).
		From("webhooks").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var hook model.Webhook
	if err := sqlscan.Get(ctx, s.db, &hook, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("webhook %s not found", id)
		}
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	return &hook, nil
}

// ListWebhooks returns every subscriber, oldest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]*model.Webhook, error) {
	return s.listWebhooks(ctx, false)
}

// ListActiveWebhooks returns subscribers eligible for delivery. Event
// matching happens in the dispatcher; the event set lives in a JSON column
// the database cannot index usefully.
func (s *Store) ListActiveWebhooks(ctx context.Context) ([]*model.Webhook, error) {
	return s.listWebhooks(ctx, true)
}

func (s *Store) listWebhooks(ctx context.Context, activeOnly bool) ([]*model.Webhook, error) {
	builder := s.sq.Select(webhookColumns).
		From("webhooks").
		OrderBy("created_at ASC", "id ASC")
	if activeOnly {
		builder = builder.Where("active = ?", true)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var hooks []*model.Webhook
	if err := sqlscan.Select(ctx, s.db, &hooks, query, args...); err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	return hooks, nil
}

// UpdateWebhook rewrites the subscriber's mutable fields.
func (s *Store) UpdateWebhook(ctx context.Context, hook *model.Webhook) error {
	query, args, err := s.sq.Update("webhooks").
		Set("url", hook.URL).
		Set("secret", hook.Secret).
		Set("events", hook.Events).
		Set("active", hook.Active).
		Where("id = ?", hook.ID).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated webhooks: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("webhook %s not found", hook.ID)
	}
	return nil
}

// DeleteWebhook removes a subscriber; its delivery log cascades.
func (s *Store) DeleteWebhook(ctx context.Context, id core.ID) error {
	query, args, err := s.sq.Delete("webhooks").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting deleted webhooks: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("webhook %s not found", id)
	}
	return nil
}

// RecordDelivery appends one delivery attempt to the log and folds its
// outcome into the subscriber: success resets the failure counter, failure
// increments it, and last_triggered moves either way.
func (s *Store) RecordDelivery(ctx context.Context, delivery *model.WebhookDelivery) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		update := s.sq.Update("webhooks").
			Set("last_triggered", delivery.CreatedAt.UTC()).
			Where("id = ?", delivery.WebhookID)
		if delivery.Success {
			update = update.Set("failure_count", 0)
		} else {
			update = update.Set("failure_count", squirrel.Expr("failure_count + 1"))
		}
		query, args, err := update.ToSql()
		if err != nil {
			return fmt.Errorf("building update query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating webhook: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting updated webhooks: %w", err)
		}
		if n == 0 {
			return core.NotFoundf("webhook %s not found", delivery.WebhookID)
		}
		query, args, err = s.sq.Insert("webhook_deliveries").
			Columns("id", "webhook_id", "event", "status_code", "success", "error", "duration_ms", "created_at").
			Values(delivery.ID, delivery.WebhookID, delivery.Event, delivery.StatusCode, delivery.Success, delivery.Error, delivery.DurationMS, delivery.CreatedAt.UTC()).
			ToSql()
		if err != nil {
			return fmt.Errorf("building insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting delivery: %w", err)
		}
		return nil
	})
}

// ListDeliveries returns a subscriber's delivery log, newest first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID core.ID, page core.Page) ([]*model.WebhookDelivery, error) {
	page = page.Normalize()
	query, args, err := s.sq.Select("id, webhook_id, event, status_code, success, error, duration_ms, created_at").
		From("webhook_deliveries").
		Where("webhook_id = ?", webhookID).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var deliveries []*model.WebhookDelivery
	if err := sqlscan.Select(ctx, s.db, &deliveries, query, args...); err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	return deliveries, nil
}
