package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelpilot/canary/internal/api"
)

// RedisStore implements Store on Redis. Versioned updates use WATCH-based
// optimistic transactions so concurrent lifecycle transitions on the same
// deployment resolve to exactly one winner.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func deploymentKey(id string) string { return "canary:deploy:" + id }
func decisionsKey(id string) string  { return "canary:decisions:" + id }

const deploymentIndexKey = "canary:deployments"

func (r *RedisStore) Create(ctx context.Context, d *api.CanaryDeployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	// SETNX: creation must not clobber an existing record.
	wasSet, err := r.client.SetNX(ctx, deploymentKey(d.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !wasSet {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}

	if err := r.client.SAdd(ctx, deploymentIndexKey, d.ID).Err(); err != nil {
		return fmt.Errorf("redis SADD failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	data, err := r.client.Get(ctx, deploymentKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var d api.CanaryDeployment
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment: %w", err)
	}
	return &d, nil
}

func (r *RedisStore) Update(ctx context.Context, d *api.CanaryDeployment, expectedVersion int64) error {
	key := deploymentKey(d.ID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
		}
		if err != nil {
			return fmt.Errorf("redis GET failed: %w", err)
		}

		var cur api.CanaryDeployment
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return fmt.Errorf("failed to unmarshal deployment: %w", err)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, cur.Version, expectedVersion)
		}

		updated, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal deployment: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Key changed between GET and EXEC: a concurrent writer won.
		return fmt.Errorf("%w: concurrent write on %s", ErrVersionConflict, d.ID)
	}
	return err
}

func (r *RedisStore) List(ctx context.Context, f Filter) ([]*api.CanaryDeployment, error) {
	ids, err := r.client.SMembers(ctx, deploymentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}

	out := []*api.CanaryDeployment{}
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index entry without record, skip
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.ModelID != "" && d.ProductionModelID != f.ModelID && d.CanaryModelID != f.ModelID {
			continue
		}
		out = append(out, d)
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (r *RedisStore) AppendDecision(ctx context.Context, dec *api.RolloutDecision) error {
	data, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	// LPUSH keeps newest first, matching RecentDecisions ordering.
	if err := r.client.LPush(ctx, decisionsKey(dec.DeploymentID), data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH failed: %w", err)
	}
	return nil
}

func (r *RedisStore) RecentDecisions(ctx context.Context, deploymentID string, limit int) ([]*api.RolloutDecision, error) {
	if limit <= 0 {
		limit = -1 // full range
	}
	items, err := r.client.LRange(ctx, decisionsKey(deploymentID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}

	out := make([]*api.RolloutDecision, 0, len(items))
	for _, item := range items {
		var dec api.RolloutDecision
		if err := json.Unmarshal([]byte(item), &dec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		out = append(out, &dec)
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sortByCreatedDesc(ds []*api.CanaryDeployment) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}
