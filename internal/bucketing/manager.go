package bucketing

import (
	"hash"
	"sync"

	"otp-login-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns users to stable partition buckets so wide rows stay
// bounded and hot partitions spread across the cluster.
type Manager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		userBuckets: cfg.Bucketing.UserBuckets,
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// UserBucket returns the stable bucket for a user ID, in [0, userBuckets).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

func (m *Manager) bucket(key string, buckets int) int {
	if buckets <= 0 {
		return 0
	}
	h := m.hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		m.hasherPool.Put(h)
	}()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(buckets))
}
