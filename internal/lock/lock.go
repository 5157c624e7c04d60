// Package lock implements the distributed per-campaign execution lock
// (spec §4.1): a Redis SETNX-with-TTL lease identifying the worker that
// currently owns a campaign's execution.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/zerodha/logf"
)

// DefaultTTL is the hard upper bound on a lease; callers extend
// opportunistically well before it expires.
const DefaultTTL = 24 * time.Hour

func keyFor(campaignID string) string {
	return fmt.Sprintf("campaign:lock:execution:%s", campaignID)
}

// Owner is the JSON value stored at a lock key. Hostname and PID are
// carried for forensics only — they are never consulted for ownership
// validation, only ownerID is.
type Owner struct {
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired      bool
	ExistingOwner *Owner
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	Released bool
	Reason   string
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Locked      bool
	Owner       *Owner
	TTLRemaining time.Duration
}

// Service is the distributed execution lock, backed by a Redis client.
type Service struct {
	rdb *redis.Client
	log logf.Logger
}

func New(rdb *redis.Client, log logf.Logger) *Service {
	return &Service{rdb: rdb, log: log}
}

// CurrentProcessOwner builds an Owner value identifying this process,
// suitable as the ownerID-bearing caller identity for Acquire.
func CurrentProcessOwner(ownerID string) Owner {
	hostname, _ := os.Hostname()
	return Owner{
		OwnerID:    ownerID,
		AcquiredAt: time.Now(),
		Hostname:   hostname,
		PID:        os.Getpid(),
	}
}

// Acquire is atomic: it fails with acquired=false and the existing owner
// when the lock is already held. Any store error is surfaced as
// KindLockError, never interpreted as success.
func (s *Service) Acquire(ctx context.Context, campaignID, ownerID string, ttl time.Duration) (AcquireResult, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	owner := CurrentProcessOwner(ownerID)
	payload, err := json.Marshal(owner)
	if err != nil {
		return AcquireResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "marshal lock owner")
	}

	key := keyFor(campaignID)
	ok, err := s.rdb.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return AcquireResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "setnx lock %s", key)
	}
	if ok {
		s.log.Info("lock acquired", "campaign_id", campaignID, "owner_id", ownerID)
		return AcquireResult{Acquired: true}, nil
	}

	existing, err := s.readOwner(ctx, key)
	if err != nil {
		return AcquireResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "read existing lock owner %s", key)
	}
	s.log.Info("lock already held", "campaign_id", campaignID, "existing_owner", existing.OwnerID)
	return AcquireResult{Acquired: false, ExistingOwner: existing}, nil
}

func (s *Service) readOwner(ctx context.Context, key string) (*Owner, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(raw, &owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

// releaseScript deletes the key only if the stored ownerId matches, unless
// forced. It is evaluated atomically server-side so the check-then-delete
// is race-free.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw == false then
  return 0
end
local ok, decoded = pcall(cjson.decode, raw)
if not ok then
  return -1
end
if ARGV[2] == "1" or decoded.ownerId == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return -1
`)

// Release deletes the lock. It is owner-verified unless force=true.
func (s *Service) Release(ctx context.Context, campaignID, ownerID string, force bool) (ReleaseResult, error) {
	key := keyFor(campaignID)
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	res, err := releaseScript.Run(ctx, s.rdb, []string{key}, ownerID, forceArg).Int64()
	if err != nil {
		return ReleaseResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "release lock %s", key)
	}
	switch res {
	case 0:
		return ReleaseResult{Released: false, Reason: "not_held"}, nil
	case 1:
		s.log.Info("lock released", "campaign_id", campaignID, "owner_id", ownerID, "forced", force)
		return ReleaseResult{Released: true}, nil
	default:
		return ReleaseResult{Released: false, Reason: "owner_mismatch"}, nil
	}
}

// Check reports current lock state without mutating it.
func (s *Service) Check(ctx context.Context, campaignID string) (CheckResult, error) {
	key := keyFor(campaignID)
	owner, err := s.readOwner(ctx, key)
	if err != nil {
		return CheckResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "check lock %s", key)
	}
	if owner == nil {
		return CheckResult{Locked: false}, nil
	}
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return CheckResult{}, coreerrors.Wrap(coreerrors.KindLockError, err, "ttl lock %s", key)
	}
	return CheckResult{Locked: true, Owner: owner, TTLRemaining: ttl}, nil
}

// extendScript resets the TTL only if ownerId still matches.
var extendScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw == false then
  return 0
end
local ok, decoded = pcall(cjson.decode, raw)
if not ok then
  return -1
end
if decoded.ownerId ~= ARGV[1] then
  return -1
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// Extend resets a held lock's TTL. It fails unless the caller presents the
// matching ownerID.
func (s *Service) Extend(ctx context.Context, campaignID, ownerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := keyFor(campaignID)
	res, err := extendScript.Run(ctx, s.rdb, []string{key}, ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.KindLockError, err, "extend lock %s", key)
	}
	return res == 1, nil
}

// ListActive scans for all held execution locks. This is an admin
// operation (§6's "list active locks") and is not on any hot path.
func (s *Service) ListActive(ctx context.Context) ([]string, error) {
	var campaignIDs []string
	iter := s.rdb.Scan(ctx, 0, "campaign:lock:execution:*", 200).Iterator()
	for iter.Next(ctx) {
		campaignIDs = append(campaignIDs, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindLockError, err, "scan active locks")
	}
	return campaignIDs, nil
}
