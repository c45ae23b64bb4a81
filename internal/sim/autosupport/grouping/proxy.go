// Package grouping owns the objects produced by one build action and keeps the world-wide
// directory from member objects back to their grouping.
package grouping

import (
	"context"
	"errors"
	"fmt"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/google/uuid"

	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

var (
	ErrDestroyed = errors.New("grouping destroyed")
	ErrInFlight  = errors.New("rediscovery in flight")
)

// Proxy is the aggregate owner of a support chain. All methods must run on the
// subsystem's serialized context.
type Proxy struct {
	id     uuid.UUID
	owner  string
	anchor geom.Transform
	reg    *Registry

	handles []*handle.Handle
	bounds  cube.BBox
	cost    map[string]int

	finalized bool
	destroyed bool
	inFlight  bool
}

func (p *Proxy) ID() uuid.UUID             { return p.id }
func (p *Proxy) Owner() string             { return p.owner }
func (p *Proxy) Anchor() geom.Transform    { return p.anchor }
func (p *Proxy) Bounds() cube.BBox         { return p.bounds }
func (p *Proxy) Len() int                  { return len(p.handles) }
func (p *Proxy) Finalized() bool           { return p.finalized }
func (p *Proxy) Destroyed() bool           { return p.destroyed }
func (p *Proxy) RediscoveryInFlight() bool { return p.inFlight }

// Cost is the bill of materials paid when the grouping was built.
func (p *Proxy) Cost() map[string]int {
	out := make(map[string]int, len(p.cost))
	for k, v := range p.cost {
		out[k] = v
	}
	return out
}

// Members returns the handles in placement order.
func (p *Proxy) Members() []*handle.Handle {
	return append([]*handle.Handle(nil), p.handles...)
}

// AllLive reports whether every member currently has a live object.
func (p *Proxy) AllLive() bool {
	for _, h := range p.handles {
		if h.State() != handle.Live {
			return false
		}
	}
	return true
}

// RegisterMember adds a placed object or lightweight instance. A placement equal to an
// existing member is refused. Once the proxy is finalized the new handle is linked in the
// registry right away.
func (p *Proxy) RegisterMember(placed host.Placed) (*handle.Handle, error) {
	if p.destroyed {
		return nil, ErrDestroyed
	}
	var h *handle.Handle
	switch {
	case placed.Object != nil:
		h = handle.FromObject(placed.Object)
	case placed.Lightweight != nil:
		h = handle.FromLightweight(*placed.Lightweight)
	default:
		return nil, fmt.Errorf("grouping %s: register empty placement", p.id)
	}
	tol := p.reg.tolerance()
	for _, have := range p.handles {
		if have.Equal(h, tol) {
			return nil, fmt.Errorf("grouping %s: %s already a member", p.id, h.Key())
		}
	}
	p.handles = append(p.handles, h)
	if p.finalized {
		p.reg.LinkMember(h, p)
	}
	return h, nil
}

// UnregisterMember removes the member identified by the removal and destroys the grouping
// when it was the last one. It reports whether a member was removed.
func (p *Proxy) UnregisterMember(r host.Removal) bool {
	if p.destroyed {
		return false
	}
	tol := p.reg.tolerance()
	key := handle.KeyOf(r.Class, r.Transform)
	idx := -1
	for i, h := range p.handles {
		if r.Object != nil && h.Matches(r.Object, tol) {
			idx = i
			break
		}
		if r.Object == nil && h.Kind() == handle.KindLightweight && h.Key().Near(key, tol) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	h := p.handles[idx]
	p.handles = append(p.handles[:idx], p.handles[idx+1:]...)
	p.reg.unlink(h, p)
	p.checkEmpty("last member removed")
	if !p.destroyed {
		p.reg.push(p)
	}
	return true
}

func (p *Proxy) checkEmpty(cause string) {
	if len(p.handles) == 0 && !p.destroyed {
		p.teardown(cause)
	}
}

// EnsureMembersAvailable materializes every member. Members that cannot be materialized are
// pruned; losing all of them destroys the grouping.
func (p *Proxy) EnsureMembersAvailable(ctx context.Context) error {
	if p.destroyed {
		return ErrDestroyed
	}
	if p.inFlight {
		p.reg.log.Printf("grouping %s: ensure members skipped, rediscovery in flight", p.id)
		return ErrInFlight
	}
	kept := p.handles[:0]
	var pruned []*handle.Handle
	for _, h := range p.handles {
		if err := h.EnsureAvailable(ctx, p.reg.lw); err != nil {
			p.reg.log.Printf("grouping %s: pruning member: %v", p.id, err)
			pruned = append(pruned, h)
			continue
		}
		kept = append(kept, h)
	}
	p.handles = kept
	for _, h := range pruned {
		p.reg.unlink(h, p)
	}
	p.checkEmpty("no member could be materialized")
	if p.destroyed {
		return ErrDestroyed
	}
	return nil
}

// ReleaseTemporaries lets the host clean up spawned temporaries again and clears the
// highlight the actor's tool put on the grouping.
func (p *Proxy) ReleaseTemporaries(actor string) {
	if p.destroyed {
		return
	}
	if p.inFlight {
		p.reg.log.Printf("grouping %s: release for %s skipped, rediscovery in flight", p.id, actor)
		return
	}
	for _, h := range p.handles {
		h.Release(p.reg.lw)
	}
	p.reg.ui.PushGroupingState(host.GroupingState{
		GroupingID:   p.id.String(),
		Members:      len(p.handles),
		Interactable: true,
	})
}

// Dismantle materializes every member, destroys their objects and then the grouping.
func (p *Proxy) Dismantle(ctx context.Context) error {
	if err := p.EnsureMembersAvailable(ctx); err != nil {
		if errors.Is(err, ErrDestroyed) {
			return nil
		}
		return err
	}
	// every member is live here; one without an object is a broken handle
	for _, h := range p.Members() {
		if err := p.reg.spawner.Destroy(ctx, h.MustObject()); err != nil {
			p.reg.log.Printf("grouping %s: destroy %s: %v", p.id, h.Key(), err)
		}
	}
	if !p.destroyed {
		p.teardown("dismantled")
	}
	return nil
}

func (p *Proxy) teardown(cause string) {
	p.destroyed = true
	p.reg.onGroupingDestroyed(p, cause)
}

// Finalize commits the bounds and cost and makes the grouping visible in the registry.
func (p *Proxy) Finalize(bounds cube.BBox, cost map[string]int) error {
	if p.destroyed {
		return ErrDestroyed
	}
	if p.finalized {
		return fmt.Errorf("grouping %s: already finalized", p.id)
	}
	if len(p.handles) == 0 {
		p.teardown("finalized without members")
		return ErrDestroyed
	}
	p.bounds = bounds
	p.cost = make(map[string]int, len(cost))
	for k, v := range cost {
		p.cost[k] = v
	}
	p.finalized = true
	p.reg.RegisterGrouping(p)
	return nil
}

// Abandon drops a deferred proxy whose build failed.
func (p *Proxy) Abandon() {
	if p.destroyed {
		return
	}
	if p.finalized {
		p.teardown("abandoned")
		return
	}
	p.destroyed = true
	p.handles = nil
}
