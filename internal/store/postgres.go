package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"donorhub/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return nil
}

// Endpoint registry

func (p *Postgres) CreateEndpoint(ctx context.Context, userID string, in model.EndpointCreate, secret string) (model.WebhookEndpoint, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_endpoints (id, user_id, url, secret, events, description, is_active)
        VALUES ($1,$2,$3,$4,$5,$6,true)`, id, userID, in.URL, secret, eventsJSON(in.Events), nullIfEmpty(in.Description))
	if err != nil {
		return model.WebhookEndpoint{}, err
	}
	return p.GetEndpoint(ctx, userID, id)
}

func (p *Postgres) ListEndpoints(ctx context.Context, userID string) ([]model.EndpointStats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT e.id::text, e.user_id, e.url, e.secret, e.events, COALESCE(e.description,''), e.is_active, e.created_at, e.updated_at,
            COUNT(d.id), COUNT(d.id) FILTER (WHERE d.status='success'), COUNT(d.id) FILTER (WHERE d.status='failed')
        FROM webhook_endpoints e
        LEFT JOIN webhook_deliveries d ON d.endpoint_id = e.id
        WHERE e.user_id=$1
        GROUP BY e.id
        ORDER BY e.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.EndpointStats{}
	for rows.Next() {
		var st model.EndpointStats
		var events []byte
		if err := rows.Scan(&st.ID, &st.UserID, &st.URL, &st.Secret, &events, &st.Description, &st.IsActive, &st.CreatedAt, &st.UpdatedAt,
			&st.TotalDeliveries, &st.SuccessfulDeliveries, &st.FailedDeliveries); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &st.Events)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) GetEndpoint(ctx context.Context, userID, id string) (model.WebhookEndpoint, error) {
	return p.scanEndpoint(p.db.QueryRowContext(ctx, `SELECT id::text, user_id, url, secret, events, COALESCE(description,''), is_active, created_at, updated_at
        FROM webhook_endpoints WHERE id=$1 AND user_id=$2`, id, userID))
}

func (p *Postgres) EndpointByID(ctx context.Context, id string) (model.WebhookEndpoint, error) {
	return p.scanEndpoint(p.db.QueryRowContext(ctx, `SELECT id::text, user_id, url, secret, events, COALESCE(description,''), is_active, created_at, updated_at
        FROM webhook_endpoints WHERE id=$1`, id))
}

func (p *Postgres) scanEndpoint(row *sql.Row) (model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	var events []byte
	err := row.Scan(&ep.ID, &ep.UserID, &ep.URL, &ep.Secret, &events, &ep.Description, &ep.IsActive, &ep.CreatedAt, &ep.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	if err != nil {
		return model.WebhookEndpoint{}, err
	}
	_ = json.Unmarshal(events, &ep.Events)
	return ep, nil
}

func (p *Postgres) UpdateEndpoint(ctx context.Context, userID, id string, patch model.EndpointPatch) (model.WebhookEndpoint, error) {
	sets := []string{"updated_at=now()"}
	args := []any{id, userID}
	n := 3
	if patch.URL != nil {
		sets = append(sets, fmt.Sprintf("url=$%d", n))
		args = append(args, *patch.URL)
		n++
	}
	if patch.Events != nil {
		sets = append(sets, fmt.Sprintf("events=$%d", n))
		args = append(args, eventsJSON(patch.Events))
		n++
	}
	if patch.Description != nil {
		sets = append(sets, fmt.Sprintf("description=$%d", n))
		args = append(args, nullIfEmpty(*patch.Description))
		n++
	}
	if patch.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active=$%d", n))
		args = append(args, *patch.IsActive)
		n++
	}
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_endpoints SET `+strings.Join(sets, ", ")+` WHERE id=$1 AND user_id=$2`, args...)
	if err != nil {
		return model.WebhookEndpoint{}, err
	}
	if k, _ := res.RowsAffected(); k == 0 {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	return p.GetEndpoint(ctx, userID, id)
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, userID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if k, _ := res.RowsAffected(); k == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateEndpointSecret(ctx context.Context, userID, id, secret string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_endpoints SET secret=$3, updated_at=now() WHERE id=$1 AND user_id=$2`, id, userID, secret)
	if err != nil {
		return err
	}
	if k, _ := res.RowsAffected(); k == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ActiveEndpointsForEvent(ctx context.Context, eventType string) ([]model.WebhookEndpoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, user_id, url, secret, events, COALESCE(description,''), is_active, created_at, updated_at
        FROM webhook_endpoints WHERE is_active AND events ? $1 ORDER BY created_at`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookEndpoint{}
	for rows.Next() {
		var ep model.WebhookEndpoint
		var events []byte
		if err := rows.Scan(&ep.ID, &ep.UserID, &ep.URL, &ep.Secret, &events, &ep.Description, &ep.IsActive, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &ep.Events)
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Delivery ledger

func (p *Postgres) CreateDelivery(ctx context.Context, endpointID, eventType string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, endpoint_id, event_type, payload, status, attempts)
        VALUES ($1,$2,$3,$4,'pending',0)`, id, endpointID, eventType, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) MarkDelivery(ctx context.Context, id string, success bool, responseStatus int, lastError string, nextRetryAt *time.Time) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
            SET attempts=attempts+1, status='success', response_status=$2, last_error=NULL, next_retry_at=NULL, updated_at=now()
            WHERE id=$1`, id, nullIfZero(responseStatus))
		return err
	}
	var next any
	if nextRetryAt != nil {
		next = *nextRetryAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET attempts=attempts+1, status='failed', response_status=$2, last_error=$3, next_retry_at=$4, updated_at=now()
        WHERE id=$1`, id, nullIfZero(responseStatus), nullIfEmpty(lastError), next)
	return err
}

func (p *Postgres) FetchDueRetries(ctx context.Context, limit, maxAttempts int) ([]model.WebhookDelivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, endpoint_id::text, event_type, payload, status, COALESCE(response_status,0), attempts, COALESCE(last_error,''), next_retry_at, created_at, updated_at
        FROM webhook_deliveries
        WHERE status='failed' AND attempts < $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
        ORDER BY next_retry_at ASC NULLS FIRST LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (p *Postgres) ListDeliveries(ctx context.Context, userID, endpointID string, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	// The join enforces ownership; a foreign endpoint simply matches no rows.
	rows, err := p.db.QueryContext(ctx, `SELECT d.id::text, d.endpoint_id::text, d.event_type, d.payload, d.status, COALESCE(d.response_status,0), d.attempts, COALESCE(d.last_error,''), d.next_retry_at, d.created_at, d.updated_at
        FROM webhook_deliveries d
        JOIN webhook_endpoints e ON e.id = d.endpoint_id
        WHERE d.endpoint_id=$1 AND e.user_id=$2
        ORDER BY d.created_at DESC LIMIT $3`, endpointID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]model.WebhookDelivery, error) {
	out := []model.WebhookDelivery{}
	for rows.Next() {
		var d model.WebhookDelivery
		var next sql.NullTime
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventType, &d.Payload, &d.Status, &d.ResponseStatus, &d.Attempts, &d.LastError, &next, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if next.Valid {
			t := next.Time
			d.NextRetryAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// eventsJSON encodes the subscription set as jsonb so the `events ? $1`
// membership operator works in queries.
func eventsJSON(events []string) []byte {
	if events == nil {
		events = []string{}
	}
	b, _ := json.Marshal(events)
	return b
}
