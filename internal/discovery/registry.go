package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// jobStatusTTL bounds how long a completed job's snapshot survives in
// the registry once nothing is polling Status for it anymore.
const jobStatusTTL = 24 * time.Hour

// Registry mirrors each job's final Snapshot into Redis when the job's
// run ends, so a second process (another operator-tooling replica, or
// this one after a restart) can answer Status lookups for finished jobs
// without holding the in-memory job table that Service.run populates. A
// job cut off before its run ends is never mirrored. It's a cache, not the source of truth — Service
// keeps running the job against its own in-memory *Job regardless of
// whether a Registry is wired in.
type Registry struct {
	client *redis.Client
}

func NewRegistry(addr, password string) *Registry {
	return &Registry{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: 0})}
}

func (r *Registry) key(jobID string) string {
	return fmt.Sprintf("is22:discovery:job:%s", jobID)
}

func (r *Registry) Mirror(ctx context.Context, jobID string, snap Snapshot) error {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(jobID), b, jobStatusTTL).Err()
}

func (r *Registry) Lookup(ctx context.Context, jobID string) (Snapshot, bool, error) {
	if r == nil {
		return Snapshot{}, false, nil
	}
	b, err := r.client.Get(ctx, r.key(jobID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
