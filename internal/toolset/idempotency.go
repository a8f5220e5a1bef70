package toolset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// idempotencyTTL is intentionally short: the guarantee is "no duplicate
// from a single assistant turn retrying the same call", not durable
// global deduplication.
const idempotencyTTL = 60 * time.Second

// idempotencyPollDelay paces a concurrent loser's wait for the claim
// winner to publish its result, the same poll-the-shared-store pattern
// oauthmgr.refreshLocked uses while waiting on its refresh lease.
const idempotencyPollDelay = 50 * time.Millisecond

// taskFingerprint derives createTask's dedup key server-side from the
// project id and a normalised task name, so that two calls describing the
// same task collide on the same marker without the caller having to
// supply or agree on a key of its own.
func taskFingerprint(projectID, name string) string {
	normalised := strings.ToLower(strings.Join(strings.Fields(name), " "))
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(normalised))
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyKeyPrefix namespaces idempotency markers in the shared store
// apart from cache entries and lock keys.
const idempotencyKeyPrefix = "idem:"

// claimIdempotency atomically claims key (tool name plus a dedup key:
// createTask's server-derived taskFingerprint, or uploadReviewSheet's
// caller-supplied idempotencyKey) for a mutating call. The first caller to claim a key
// proceeds; later callers with the same key see a "pending" marker and
// poll until the winner publishes its result, then return that result —
// concurrent identical calls all end up with the same task identifier,
// not an error, the same way a sequential retry does.
func claimIdempotency(ctx context.Context, store *kvstore.Store, tool, key string) (alreadyClaimed bool, priorResult []byte, err error) {
	if key == "" {
		return false, nil, nil
	}
	storeKey := idempotencyKeyPrefix + tool + ":" + key

	createErr := store.CreateIfAbsentTTL(storeKey, []byte("pending"), idempotencyTTL)
	if createErr == nil {
		return false, nil, nil
	}
	if createErr != kvstore.ErrAlreadyExists {
		return false, nil, rpcerr.Wrap(rpcerr.KindInternal, createErr, "check idempotency marker")
	}

	deadline := time.Now().Add(idempotencyTTL)
	for {
		existing, getErr := store.Get(storeKey)
		if getErr != nil {
			return false, nil, rpcerr.Wrap(rpcerr.KindInternal, getErr, "read idempotency marker")
		}
		if string(existing) != "pending" {
			return true, existing, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil, rpcerr.New(rpcerr.KindConflict, "a concurrent request with this idempotency key never completed")
		}
		select {
		case <-ctx.Done():
			return false, nil, rpcerr.Wrap(rpcerr.KindTimeout, ctx.Err(), "waiting for concurrent idempotent call to complete")
		case <-time.After(idempotencyPollDelay):
		}
	}
}

// recordIdempotentResult stores result against the claimed key so a
// future retry with the same key returns it instead of mutating again.
func recordIdempotentResult(store *kvstore.Store, tool, key string, result []byte) error {
	if key == "" {
		return nil
	}
	storeKey := idempotencyKeyPrefix + tool + ":" + key
	return store.SetTTL(storeKey, result, idempotencyTTL)
}

// releaseIdempotency removes a claimed-but-failed marker so a legitimate
// retry after a handler error is not permanently blocked by the earlier
// attempt's "pending" marker.
func releaseIdempotency(store *kvstore.Store, tool, key string) {
	if key == "" {
		return
	}
	_ = store.Delete(idempotencyKeyPrefix + tool + ":" + key)
}
