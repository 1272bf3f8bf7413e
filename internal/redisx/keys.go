package redisx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// Idempotent placement response: idem:order:create:{sha256(len(user_id):user_id key)} -> CachedResponse JSON
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Order read model: order_status:{order_id} -> OrderView JSON
	KeyOrderStatus = "order_status:%s"

	// Consumer dedup: dedup:{consumer}:{event_id} -> pending | done
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour

	// a pending dedup marker outlives a slow send but not a crashed consumer
	TTLDedupPending = 2 * time.Minute
)

// idemKey is injective in (userID, key): the user id is length-prefixed so
// ids containing ':' cannot alias another pair.
func idemKey(userID, key string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s%s", len(userID), userID, key)))
	return fmt.Sprintf(KeyIdemOrderCreate, hex.EncodeToString(sum[:]))
}

func statusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

func dedupKey(consumer, eventID string) string { return fmt.Sprintf(KeyDedup, consumer, eventID) }
