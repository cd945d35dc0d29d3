package rides

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/ride-dispatch/internal/models"
)

// entry is one live ride. mu guards every field except accepted, which is only written by
// a compare-and-set while mu is held and may be read without it.
type entry struct {
	mu       sync.Mutex
	ride     models.Ride
	accepted atomic.Int64
	drivers  map[int64]models.Identity
	timer    *time.Timer
}

// snapshot copies the ride so callers never share the live slice and map.
func (e *entry) snapshot() models.Ride {
	r := e.ride
	r.Candidates = append([]int64(nil), e.ride.Candidates...)
	if e.ride.Responses != nil {
		r.Responses = make(map[int64]models.ResponseStatus, len(e.ride.Responses))
		for k, v := range e.ride.Responses {
			r.Responses[k] = v
		}
	}
	return r
}

// undecided lists candidates that have not responded, excluding skip.
func (e *entry) undecided(skip int64) []int64 {
	var out []int64
	for _, id := range e.ride.Candidates {
		if id == skip {
			continue
		}
		if _, ok := e.ride.Responses[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (e *entry) allDenied() bool {
	if len(e.ride.Candidates) == 0 {
		return false
	}
	for _, id := range e.ride.Candidates {
		if e.ride.Responses[id] != models.ResponseDenied {
			return false
		}
	}
	return true
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	rides map[string]*entry
}

// table holds live rides sharded by ride id.
type table struct {
	shards [shardCount]shard
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].rides = make(map[string]*entry)
	}
	return t
}

func (t *table) shardFor(id string) *shard { return &t.shards[xxhash.Sum64String(id)%shardCount] }

func (t *table) get(id string) (*entry, bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.rides[id]
	return e, ok
}

func (t *table) put(e *entry) {
	sh := t.shardFor(e.ride.ID)
	sh.mu.Lock()
	sh.rides[e.ride.ID] = e
	sh.mu.Unlock()
}

func (t *table) remove(id string) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.rides[id]; !ok {
		return false
	}
	delete(sh.rides, id)
	return true
}

// entries is a point-in-time list of live rides. Shard locks are released before returning.
func (t *table) entries() []*entry {
	var out []*entry
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, e := range sh.rides {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.rides)
		sh.mu.RUnlock()
	}
	return n
}
