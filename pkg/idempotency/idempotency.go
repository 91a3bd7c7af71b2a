package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/redis"
)

// Manager records that a side effect already ran for a given job using Redis SETNX with a TTL.
// Keys follow the `library:idempotency:job:<step>:<job_id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds a guard whose markers live for ttl.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true if step already ran for jobID, otherwise marks it.
func (m *Manager) CheckAndMark(ctx context.Context, step string, jobID uuid.UUID) (bool, error) {
	key, err := m.key(step, jobID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Release removes the marker so a later delivery can run step again.
func (m *Manager) Release(ctx context.Context, step string, jobID uuid.UUID) error {
	key, err := m.key(step, jobID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(step string, jobID uuid.UUID) (string, error) {
	if step == "" {
		return "", errors.New("step name is required")
	}
	if jobID == uuid.Nil {
		return "", errors.New("job id is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("job:%s", step), jobID.String()), nil
}
