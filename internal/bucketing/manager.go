package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"security-service/internal/config"
)

// BucketingManager maps user IDs onto stable partition buckets so the
// Scylla tables and audit stream shard evenly.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash states to avoid per-call allocation.
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// UserBucket returns the partition bucket for a user ID.
func (bm *BucketingManager) UserBucket(userID string) int {
	return bm.bucketFor(userID, bm.userBuckets)
}

// EventBucket returns the audit-stream bucket for a user ID.
func (bm *BucketingManager) EventBucket(userID string) int {
	return bm.bucketFor(userID, bm.eventBuckets)
}

// TimeBucket returns the hour-granularity bucket for a timestamp.
func (bm *BucketingManager) TimeBucket(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

func (bm *BucketingManager) bucketFor(key string, buckets int) int {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()

	if buckets <= 0 {
		buckets = 1
	}
	return int(sum % uint64(buckets))
}
