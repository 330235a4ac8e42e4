package partyclient

import (
	"context"
	"sort"
	"time"
)

const resolveTimeout = 10 * time.Second

type fetchFunc func(ctx context.Context, ids []string) ([]Profile, error)

// resolver batches profile lookups. New ids accumulate in a pending set that
// flushes after a debounce interval of inactivity or when the set reaches the
// batch size, whichever comes first; each flush issues exactly one directory
// call. Lookups are best effort: ids missing from a response stay unresolved
// and fetch errors are swallowed.
//
// All methods must be called from the controller's run loop. Fetches run on
// their own goroutine and deliver results back through post; a result whose
// session generation is no longer live is discarded.
type resolver struct {
	fetch     fetchFunc
	debounce  time.Duration
	batchSize int
	post      func(func())
	live      func(gen uint64) bool
	onUpdate  func()

	cache   map[string]*Profile
	pending map[string]struct{}
	timer   *time.Timer
}

func newResolver(fetch fetchFunc, debounce time.Duration, batchSize int, post func(func()), live func(uint64) bool, onUpdate func()) *resolver {
	return &resolver{
		fetch:     fetch,
		debounce:  debounce,
		batchSize: batchSize,
		post:      post,
		live:      live,
		onUpdate:  onUpdate,
		cache:     make(map[string]*Profile),
		pending:   make(map[string]struct{}),
	}
}

// want requests resolution of id for the given session generation. Cached ids
// are ignored; otherwise the debounce window restarts.
func (r *resolver) want(gen uint64, id string) {
	if _, ok := r.cache[id]; ok {
		return
	}
	r.pending[id] = struct{}{}
	if len(r.pending) >= r.batchSize {
		r.flush(gen)
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		r.post(func() {
			if !r.live(gen) {
				return
			}
			r.timer = nil
			r.flush(gen)
		})
	})
}

// flush drains the pending set into one batched fetch.
func (r *resolver) flush(gen uint64) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.pending) == 0 {
		return
	}
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.pending = make(map[string]struct{})
	sort.Strings(ids)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		profiles, err := r.fetch(ctx, ids)
		if err != nil {
			return
		}
		r.post(func() {
			if !r.live(gen) {
				// Batch landed after the session tore down.
				return
			}
			for i := range profiles {
				p := profiles[i]
				r.cache[p.UserID] = &p
			}
			if r.onUpdate != nil {
				r.onUpdate()
			}
		})
	}()
}

// lookup returns the cached profile for id, or nil while unresolved.
func (r *resolver) lookup(id string) *Profile {
	return r.cache[id]
}

// forget purges one id from cache and pending, used on roster eviction.
func (r *resolver) forget(id string) {
	delete(r.cache, id)
	delete(r.pending, id)
}

// reset clears all state and stops the debounce timer.
func (r *resolver) reset() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cache = make(map[string]*Profile)
	r.pending = make(map[string]struct{})
}
