package ratelimit

import (
	"container/list"
	"sync"
)

// DefaultMaxTargetBuckets bounds per-target state when ConnConfig leaves it
// unset.
const DefaultMaxTargetBuckets = 64

// ConnConfig configures the inbound limits of one signaling connection.
// Zero rates disable the corresponding limit.
type ConnConfig struct {
	MessagesPerSecond int

	// RelaysPerTargetPerSecond caps how fast one connection may relay to a
	// single target, so a misbehaving peer cannot flood another client.
	RelaysPerTargetPerSecond int
	// MaxTargetBuckets bounds the number of per-target buckets kept; the least
	// recently used bucket is evicted first.
	MaxTargetBuckets int

	// OnTargetBucketEvicted is called once per eviction, outside the lock.
	OnTargetBucketEvicted func()
}

// ConnLimiter enforces the inbound message rate of a connection and the rate
// of relays it addresses to each target.
type ConnLimiter struct {
	clock Clock

	messages *TokenBucket

	perTargetRate int64
	maxTargets    int
	onEvict       func()

	mu        sync.Mutex
	perTarget map[string]*targetEntry
	lru       *list.List
}

type targetEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewConnLimiter(clock Clock, cfg ConnConfig) *ConnLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &ConnLimiter{
		clock:         clock,
		perTargetRate: int64(cfg.RelaysPerTargetPerSecond),
		maxTargets:    cfg.MaxTargetBuckets,
		onEvict:       cfg.OnTargetBucketEvicted,
		perTarget:     make(map[string]*targetEntry),
		lru:           list.New(),
	}
	if cfg.MessagesPerSecond > 0 {
		rate := int64(cfg.MessagesPerSecond)
		l.messages = NewTokenBucket(clock, rate, rate)
	}
	if l.maxTargets <= 0 {
		l.maxTargets = DefaultMaxTargetBuckets
	}
	return l
}

// AllowMessage accounts for one inbound message.
func (l *ConnLimiter) AllowMessage() bool {
	return l.messages == nil || l.messages.Allow(1)
}

// AllowRelay accounts for one relay addressed to target.
func (l *ConnLimiter) AllowRelay(target string) bool {
	if l.perTargetRate <= 0 {
		return true
	}
	return l.targetBucket(target).Allow(1)
}

func (l *ConnLimiter) targetBucket(target string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.perTarget[target]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.perTarget) >= l.maxTargets {
		if oldest := l.lru.Back(); oldest != nil {
			l.lru.Remove(oldest)
			delete(l.perTarget, oldest.Value.(string))
			evicted = true
		}
	}

	bucket := NewTokenBucket(l.clock, l.perTargetRate, l.perTargetRate)
	l.perTarget[target] = &targetEntry{
		bucket: bucket,
		elem:   l.lru.PushFront(target),
	}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return bucket
}
