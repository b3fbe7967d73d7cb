package messaging

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/exchange/internal/domain/shared"
)

// Subscription is one handler attached to a queue. Its workers fetch until
// Unsubscribe is called or the context passed to Consume ends.
//
// Handlers run on a separate work context that outlives the stop signal by
// the registry's drain timeout, so a delivery already handed to a handler
// finishes and is settled instead of being cut off mid-job.
type Subscription struct {
	ID      uint64
	Queue   string
	Handler shared.MessageHandler

	ctx        context.Context
	cancel     context.CancelFunc
	work       context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	registry   *Registry
	once       sync.Once
}

// Context is cancelled when the subscription stops. Workers stop fetching
// new deliveries once it is done.
func (s *Subscription) Context() context.Context {
	return s.ctx
}

// WorkContext is the context handlers run on. It keeps the values of the
// Consume context and is cancelled one drain timeout after Context.
func (s *Subscription) WorkContext() context.Context {
	return s.work
}

// Go runs fn as one of the subscription's workers. fn receives the stop
// context.
func (s *Subscription) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Unsubscribe stops fetching, waits for in-flight deliveries up to the
// drain timeout and removes the subscription from its registry.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.cancelWork()
		s.registry.Unregister(s.ID)
	})
}

// Wait blocks until every worker has returned.
func (s *Subscription) Wait() {
	s.wg.Wait()
}

// Registry tracks the live subscriptions of a broker.
type Registry struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   map[uint64]*Subscription
	drain  time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDrainTimeout lets in-flight handlers run for d after their
// subscription stops. Zero cancels them together with the subscription.
func WithDrainTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.drain = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds handler for queue. The subscription's stop context derives
// from parent; its work context keeps parent's values but not its
// cancellation.
func (r *Registry) Register(parent context.Context, queue string, handler shared.MessageHandler) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	work, cancelWork := context.WithCancel(context.WithoutCancel(parent))
	drain := r.drain
	context.AfterFunc(ctx, func() {
		if drain <= 0 {
			cancelWork()
			return
		}
		time.AfterFunc(drain, cancelWork)
	})

	sub := &Subscription{
		ID:         r.nextID.Add(1),
		Queue:      queue,
		Handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		work:       work,
		cancelWork: cancelWork,
		registry:   r,
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Unregister removes a subscription without stopping it. It reports whether
// the id was known.
func (r *Registry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Subscriptions returns the subscriptions of queue, oldest first.
func (r *Registry) Subscriptions(queue string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, s := range r.subs {
		if s.Queue == queue {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Queues returns every queue with at least one subscription.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.subs))
	out := make([]string, 0, len(r.subs))
	for _, s := range r.subs {
		if _, ok := seen[s.Queue]; ok {
			continue
		}
		seen[s.Queue] = struct{}{}
		out = append(out, s.Queue)
	}
	sort.Strings(out)
	return out
}

// Len is the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// UnsubscribeAll stops every subscription and waits for them.
func (r *Registry) UnsubscribeAll() {
	r.mu.RLock()
	all := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}
