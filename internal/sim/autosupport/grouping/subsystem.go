package grouping

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

// Subsystem is the world-scoped owner of the registry. Work that completes off the
// simulation goroutine is posted to its inbox and runs when the owner drains it.
type Subsystem struct {
	*Registry
	inbox chan func()

	// overflow holds work posted while the inbox was full, oldest first.
	mu       sync.Mutex
	overflow []func()
}

func NewSubsystem(cfg Config) *Subsystem {
	return &Subsystem{Registry: NewRegistry(cfg), inbox: make(chan func(), 256)}
}

// Post queues fn for the serialized context. Safe from any goroutine, including the owner
// itself: it never blocks.
func (s *Subsystem) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.inbox <- fn:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, fn)
}

func (s *Subsystem) popOverflow() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		return nil, false
	}
	fn := s.overflow[0]
	s.overflow[0] = nil
	s.overflow = s.overflow[1:]
	return fn, true
}

// Pending counts queued work, inbox and overflow together.
func (s *Subsystem) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox) + len(s.overflow)
}

// Inbox exposes queued work to loops that select over several channels. A loop that
// receives from it must call Flush afterwards so overflowed work runs too.
func (s *Subsystem) Inbox() <-chan func() { return s.inbox }

// Flush runs every queued function on the caller's goroutine and returns how many ran.
// Work posted while flushing runs in the same call.
func (s *Subsystem) Flush() int {
	n := 0
	for {
		select {
		case fn := <-s.inbox:
			fn()
			n++
			continue
		default:
		}
		fn, ok := s.popOverflow()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Run drains the inbox until ctx is done.
func (s *Subsystem) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
			s.Flush()
		}
	}
}

// HandleRemoval queues an external removal notification.
func (s *Subsystem) HandleRemoval(r host.Removal) {
	s.Post(func() { s.OnExternalRemoval(r) })
}

// StartRediscovery probes the proxy's bounds for the lightweight instances and objects its
// persisted handles refer to. The probe runs on its own goroutine; its result is applied on
// the serialized context. Only one probe per proxy is in flight at a time.
func (s *Subsystem) StartRediscovery(ctx context.Context, p *Proxy) {
	if p.destroyed || p.inFlight {
		return
	}
	p.inFlight = true
	for _, h := range p.handles {
		h.BeginResolve()
	}
	s.push(p)

	m := s.tuning().RediscoveryMargin
	area := p.bounds.GrowVec3(mgl64.Vec3{m, m, m})
	lw, finder := s.lw, s.finder
	go func() {
		var (
			insts []host.LightweightInstance
			objs  []host.Object
			err   error
		)
		if lw != nil {
			insts, err = lw.Overlap(ctx, area)
		}
		if err == nil && finder != nil {
			objs, err = finder.ObjectsIn(ctx, area)
		}
		s.Post(func() { s.completeRediscovery(p, insts, objs, err) })
	}()
}

func (s *Subsystem) completeRediscovery(p *Proxy, insts []host.LightweightInstance, objs []host.Object, err error) {
	if p.destroyed {
		return
	}
	p.inFlight = false
	if err != nil {
		s.log.Printf("grouping %s: rediscovery probe failed: %v", p.id, err)
		for _, h := range p.handles {
			h.EndResolve()
		}
		s.push(p)
		return
	}

	tol := s.tolerance()
	lwByKey := make(map[handle.Key]host.LightweightInstance, len(insts))
	for _, in := range insts {
		lwByKey[handle.KeyOf(in.Class, in.Transform)] = in
	}
	objByKey := make(map[handle.Key]host.Object, len(objs))
	for _, o := range objs {
		objByKey[handle.KeyOf(o.Class(), o.Transform())] = o
	}

	for _, h := range p.handles {
		switch h.Kind() {
		case handle.KindLightweight:
			if in, ok := matchKey(lwByKey, h.Key(), tol); ok {
				h.ResolveLightweight(in)
				continue
			}
		case handle.KindObject:
			if o, ok := matchKey(objByKey, h.Key(), tol); ok {
				h.ResolveObject(o)
				continue
			}
		}
		h.EndResolve()
		s.log.Printf("grouping %s: no %s found for %s", p.id, h.Kind(), h.Key())
	}
	s.push(p)
}

// matchKey looks up by exact key and falls back to the nearest key within tol.
func matchKey[V any](m map[handle.Key]V, key handle.Key, tol float64) (V, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if k.Near(key, tol) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

var (
	worldsMu sync.Mutex
	worlds   = map[string]*Subsystem{}
)

// ForWorld returns the subsystem of a world, creating it from cfg on first use.
func ForWorld(worldID string, cfg Config) *Subsystem {
	worldsMu.Lock()
	defer worldsMu.Unlock()
	if s, ok := worlds[worldID]; ok {
		return s
	}
	s := NewSubsystem(cfg)
	worlds[worldID] = s
	return s
}

// ReleaseWorld forgets a world's subsystem when the world is torn down.
func ReleaseWorld(worldID string) {
	worldsMu.Lock()
	defer worldsMu.Unlock()
	delete(worlds, worldID)
}

// Restore recreates a finalized grouping from saved data. Its members start unresolved;
// call StartRediscovery to rebind them.
func (s *Subsystem) Restore(rec Record) (*Proxy, error) {
	id, err := rec.uuid()
	if err != nil {
		return nil, err
	}
	if _, dup := s.byID[id]; dup {
		return nil, fmt.Errorf("grouping %s: already registered", id)
	}
	p := &Proxy{
		id:     id,
		owner:  rec.Owner,
		anchor: rec.Anchor.Transform(),
		reg:    s.Registry,
		bounds: geom.BoxFromArray(rec.Bounds),
		cost:   map[string]int{},
	}
	for k, v := range rec.Cost {
		p.cost[k] = v
	}
	for _, m := range rec.Members {
		p.handles = append(p.handles, handle.Restore(m.Key, m.Kind))
	}
	if len(p.handles) == 0 {
		return nil, ErrDestroyed
	}
	p.finalized = true
	s.RegisterGrouping(p)
	return p, nil
}
