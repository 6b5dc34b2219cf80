package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelpilot/canary/internal/api"
)

// PostgresStore implements Store on Postgres. The compare-and-set guard is a
// versioned UPDATE: `WHERE id = $1 AND version = $2` affects zero rows when
// another writer got there first.
//
// Schema:
//
//	CREATE TABLE canary_deployments (
//	  id VARCHAR(255) PRIMARY KEY,
//	  record JSONB NOT NULL,
//	  status VARCHAR(32) NOT NULL,
//	  production_model_id VARCHAR(255) NOT NULL,
//	  canary_model_id VARCHAR(255) NOT NULL,
//	  version BIGINT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_canary_deployments_status ON canary_deployments(status);
//
//	CREATE TABLE canary_decisions (
//	  id BIGSERIAL PRIMARY KEY,
//	  deployment_id VARCHAR(255) NOT NULL,
//	  decision JSONB NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_canary_decisions_deployment ON canary_decisions(deployment_id, id DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store and verifies the
// connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *api.CanaryDeployment) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	query := `
		INSERT INTO canary_deployments (id, record, status, production_model_id, canary_model_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := p.pool.Exec(ctx, query,
		d.ID, record, string(d.Status), d.ProductionModelID, d.CanaryModelID,
		d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	var record []byte
	err := p.pool.QueryRow(ctx,
		`SELECT record FROM canary_deployments WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var d api.CanaryDeployment
	if err := json.Unmarshal(record, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment: %w", err)
	}
	return &d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *api.CanaryDeployment, expectedVersion int64) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	query := `
		UPDATE canary_deployments
		SET record = $3, status = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $2
	`
	tag, err := p.pool.Exec(ctx, query,
		d.ID, expectedVersion, record, string(d.Status), d.Version, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing record from stale version.
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %d", ErrVersionConflict, expectedVersion)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*api.CanaryDeployment, error) {
	query := `
		SELECT record FROM canary_deployments
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR production_model_id = $2 OR canary_model_id = $2)
		ORDER BY created_at DESC, id
	`
	rows, err := p.pool.Query(ctx, query, string(f.Status), f.ModelID)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	out := []*api.CanaryDeployment{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var d api.CanaryDeployment
		if err := json.Unmarshal(record, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deployment: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendDecision(ctx context.Context, dec *api.RolloutDecision) error {
	decision, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO canary_decisions (deployment_id, decision, created_at) VALUES ($1, $2, $3)`,
		dec.DeploymentID, decision, dec.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentDecisions(ctx context.Context, deploymentID string, limit int) ([]*api.RolloutDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT decision FROM canary_decisions WHERE deployment_id = $1 ORDER BY id DESC LIMIT $2`,
		deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	out := []*api.RolloutDecision{}
	for rows.Next() {
		var decision []byte
		if err := rows.Scan(&decision); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var dec api.RolloutDecision
		if err := json.Unmarshal(decision, &dec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		out = append(out, &dec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
