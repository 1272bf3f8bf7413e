package orders

import (
	"context"
	"encoding/json"
	"time"
)

type BeginState int

const (
	// Fresh: the caller owns the key and must finish with Complete or Release.
	Fresh BeginState = iota
	DuplicateInFlight
	DuplicateCompleted
)

func (s BeginState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case DuplicateInFlight:
		return "duplicate_in_flight"
	case DuplicateCompleted:
		return "duplicate_completed"
	}
	return "unknown"
}

type BeginResult struct {
	State    BeginState
	Response json.RawMessage // set for DuplicateCompleted
}

// Guard deduplicates mutating requests by (user, key, payload hash). The
// unique (user, key) insert in the store decides which request wins.
type Guard struct {
	store       Store
	cache       ResponseCache
	inFlightTTL time.Duration
	now         func() time.Time
}

func NewGuard(store Store, cache ResponseCache, inFlightTTL time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, cache: cache, inFlightTTL: inFlightTTL, now: now}
}

func (g *Guard) Begin(ctx context.Context, userID, key, payloadHash string) (BeginResult, error) {
	if g.cache != nil {
		// an entry for another user is never served; the store decides
		if c, ok := g.cache.GetResponse(ctx, userID, key); ok && c.UserID == userID && c.PayloadHash == payloadHash {
			return BeginResult{State: DuplicateCompleted, Response: c.Response}, nil
		}
	}

	var res BeginResult
	err := g.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		now := g.now()
		existing, err := tx.InsertIdempotencyKey(ctx, IdempotencyKey{
			UserID:      userID,
			Key:         key,
			PayloadHash: payloadHash,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			res = BeginResult{State: Fresh}
		case existing.PayloadHash != payloadHash:
			return ErrConflictingPayload
		case existing.Response != nil:
			res = BeginResult{State: DuplicateCompleted, Response: existing.Response}
		case g.inFlightTTL > 0 && existing.CreatedAt.Before(now.Add(-g.inFlightTTL)):
			ok, err := tx.ReclaimIdempotencyKey(ctx, userID, key, now.Add(-g.inFlightTTL), now)
			if err != nil {
				return err
			}
			if ok {
				res = BeginResult{State: Fresh}
			} else {
				res = BeginResult{State: DuplicateInFlight}
			}
		default:
			res = BeginResult{State: DuplicateInFlight}
		}
		return nil
	})
	if err != nil {
		return BeginResult{}, err
	}
	if res.State == DuplicateCompleted && g.cache != nil {
		g.cache.PutResponse(ctx, userID, key, CachedResponse{UserID: userID, PayloadHash: payloadHash, Response: res.Response})
	}
	return res, nil
}

// Complete attaches the response to a key obtained Fresh, in its own unit.
func (g *Guard) Complete(ctx context.Context, userID, key, payloadHash string, response json.RawMessage) error {
	err := g.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return g.CompleteTx(ctx, tx, userID, key, response)
	})
	if err != nil {
		return err
	}
	g.Remember(ctx, userID, key, payloadHash, response)
	return nil
}

// CompleteTx attaches the response inside the caller's transaction so the
// snapshot commits with the business effect.
func (g *Guard) CompleteTx(ctx context.Context, tx Tx, userID, key string, response json.RawMessage) error {
	return tx.SaveIdempotencyResponse(ctx, userID, key, response)
}

// Remember mirrors a committed response into the cache.
func (g *Guard) Remember(ctx context.Context, userID, key, payloadHash string, response json.RawMessage) {
	if g.cache != nil {
		g.cache.PutResponse(ctx, userID, key, CachedResponse{UserID: userID, PayloadHash: payloadHash, Response: response})
	}
}

// Release drops an in-flight key after a transient failure so the client's
// retry starts Fresh.
func (g *Guard) Release(ctx context.Context, userID, key string) error {
	return g.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteIdempotencyKey(ctx, userID, key)
	})
}
