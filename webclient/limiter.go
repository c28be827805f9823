/*
File: limiter.go
Version: 1.0.0
Description: Per-host request rate limiting using token buckets.
             Buckets live in a sharded map keyed by host and are expired by a cleanup routine.
*/

package webclient

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"asyncnet/internal/logger"
)

const (
	limitShardCount      = 64
	limiterCleanupPeriod = time.Minute
	limiterExpiration    = 5 * time.Minute
)

type hostState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	sync.Mutex
	hosts map[string]*hostState
}

type hostLimiter struct {
	shards [limitShardCount]*limiterShard
	seed   maphash.Seed
	qps    int
	burst  int
}

func newHostLimiter(qps int) *hostLimiter {
	burst := qps * 2
	if burst < 10 {
		burst = 10
	}
	hl := &hostLimiter{seed: maphash.MakeSeed(), qps: qps, burst: burst}
	for i := range hl.shards {
		hl.shards[i] = &limiterShard{hosts: make(map[string]*hostState)}
	}
	return hl
}

func (hl *hostLimiter) shard(host string) *limiterShard {
	return hl.shards[maphash.String(hl.seed, host)&(limitShardCount-1)]
}

// allow takes one token from host's bucket.
func (hl *hostLimiter) allow(host string) bool {
	sh := hl.shard(host)
	sh.Lock()
	defer sh.Unlock()

	st, ok := sh.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(rate.Limit(hl.qps), hl.burst)}
		sh.hosts[host] = st
	}
	st.lastSeen = time.Now()
	return st.limiter.Allow()
}

// run expires idle buckets until ctx ends.
func (hl *hostLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hl.cleanup(time.Now(), limiterExpiration)
		}
	}
}

func (hl *hostLimiter) cleanup(now time.Time, expiration time.Duration) int {
	removed := 0
	for _, sh := range hl.shards {
		sh.Lock()
		for host, st := range sh.hosts {
			if now.Sub(st.lastSeen) > expiration {
				delete(sh.hosts, host)
				removed++
			}
		}
		sh.Unlock()
	}
	if removed > 0 {
		logger.Debug("[LIMITER] Cleaned up %d idle host limiters", removed)
	}
	return removed
}
