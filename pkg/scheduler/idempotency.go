package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FireKey derives the idempotency key for a scheduled occurrence. Every
// scheduler instance that computes the same (job, fire time) pair derives the
// same key, so the broker dedup window and the unique column collapse
// concurrent dispatches into one execution. The fire time is bucketed to the
// second in UTC before hashing so sub-second drift between pollers cannot
// split an occurrence.
func FireKey(jobID uuid.UUID, fireTime time.Time) string {
	bucket := fireTime.UTC().Truncate(time.Second).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", jobID, bucket)))
	return hex.EncodeToString(sum[:])
}

// ManualKey returns a fresh key for a manual or webhook trigger. Unlike
// scheduled occurrences these are never deduplicated: each trigger is its
// own execution.
func ManualKey() string {
	return uuid.New().String()
}
