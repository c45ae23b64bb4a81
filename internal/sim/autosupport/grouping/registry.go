package grouping

import (
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
	"github.com/zyedidia/generic/mapset"

	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/tuning"
)

type Config struct {
	Logger       *log.Logger
	Tuning       tuning.Source
	Spawner      host.Spawner
	Lightweights host.Lightweights
	Finder       host.Finder
	UI           host.ToolUI
}

// Registry maps member handles to their grouping and tracks the live groupings of one
// world.
type Registry struct {
	log     *log.Logger
	tuning  tuning.Source
	spawner host.Spawner
	lw      host.Lightweights
	finder  host.Finder
	ui      host.ToolUI

	links map[handle.Key]*Proxy
	live  mapset.Set[*Proxy]
	byID  map[uuid.UUID]*Proxy
	tool  host.ToolState

	onRegistered []func(*Proxy)
	onDestroyed  []func(*Proxy, string)
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Tuning == nil {
		cfg.Tuning = tuning.Static(tuning.Defaults())
	}
	if cfg.UI == nil {
		cfg.UI = host.NopToolUI{}
	}
	return &Registry{
		log:     cfg.Logger,
		tuning:  cfg.Tuning,
		spawner: cfg.Spawner,
		lw:      cfg.Lightweights,
		finder:  cfg.Finder,
		ui:      cfg.UI,
		links:   map[handle.Key]*Proxy{},
		live:    mapset.New[*Proxy](),
		byID:    map[uuid.UUID]*Proxy{},
	}
}

func (r *Registry) tolerance() float64 {
	return r.tuning().HandlePositionTolerance
}

// OnRegistered adds a hook called after a grouping becomes visible.
func (r *Registry) OnRegistered(fn func(*Proxy)) { r.onRegistered = append(r.onRegistered, fn) }

// OnDestroyed adds a hook called after a grouping is torn down.
func (r *Registry) OnDestroyed(fn func(*Proxy, string)) { r.onDestroyed = append(r.onDestroyed, fn) }

// NewDeferred creates a proxy that collects members but stays invisible until Finalize.
func (r *Registry) NewDeferred(owner string, anchor geom.Transform) *Proxy {
	return &Proxy{id: uuid.New(), owner: owner, anchor: anchor, reg: r}
}

// RegisterGrouping adds a finalized proxy to the live set, links its members and pushes
// the current tool state to it.
func (r *Registry) RegisterGrouping(p *Proxy) {
	if p.destroyed || r.live.Has(p) {
		return
	}
	r.live.Put(p)
	r.byID[p.id] = p
	for _, h := range p.handles {
		r.LinkMember(h, p)
	}
	r.push(p)
	for _, fn := range r.onRegistered {
		fn(p)
	}
}

// LinkMember binds a handle to its grouping. Two groupings claiming the same object is a
// broken invariant and panics.
func (r *Registry) LinkMember(h *handle.Handle, p *Proxy) {
	if cur, ok := r.links[h.Key()]; ok && cur != p {
		panic(fmt.Sprintf("grouping: member %s already linked to %s, cannot link to %s", h.Key(), cur.id, p.id))
	}
	r.links[h.Key()] = p
}

func (r *Registry) unlink(h *handle.Handle, p *Proxy) {
	if cur, ok := r.links[h.Key()]; ok && cur == p {
		delete(r.links, h.Key())
	}
}

// Lookup finds the grouping that owns the object at key, falling back to a tolerance scan.
func (r *Registry) Lookup(key handle.Key) (*Proxy, bool) {
	if p, ok := r.links[key]; ok {
		return p, true
	}
	tol := r.tolerance()
	for k, p := range r.links {
		if k.Near(key, tol) {
			return p, true
		}
	}
	return nil, false
}

// OnExternalRemoval unregisters a removed object from its grouping, if it has one.
func (r *Registry) OnExternalRemoval(rm host.Removal) {
	p, ok := r.Lookup(handle.KeyOf(rm.Class, rm.Transform))
	if !ok {
		return
	}
	p.UnregisterMember(rm)
}

func (r *Registry) onGroupingDestroyed(p *Proxy, cause string) {
	for k, cur := range r.links {
		if cur == p {
			delete(r.links, k)
		}
	}
	registered := r.live.Has(p)
	r.live.Remove(p)
	delete(r.byID, p.id)
	if !registered {
		return
	}
	r.ui.PushGroupingState(host.GroupingState{GroupingID: p.id.String(), Destroyed: true})
	for _, fn := range r.onDestroyed {
		fn(p, cause)
	}
}

func (r *Registry) Get(id uuid.UUID) (*Proxy, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) Len() int { return r.live.Size() }

// Groupings returns the live groupings in no particular order.
func (r *Registry) Groupings() []*Proxy {
	out := make([]*Proxy, 0, r.live.Size())
	r.live.Each(func(p *Proxy) { out = append(out, p) })
	return out
}

// SetToolState records the build tool state and pushes it to every live grouping.
func (r *Registry) SetToolState(ts host.ToolState) {
	r.tool = ts
	r.live.Each(func(p *Proxy) { r.push(p) })
}

func (r *Registry) ToolState() host.ToolState { return r.tool }

func (r *Registry) push(p *Proxy) {
	r.ui.PushGroupingState(host.GroupingState{
		GroupingID:    p.id.String(),
		Members:       len(p.handles),
		Highlighted:   r.tool.Equipped && r.tool.Mode == host.ToolModeDismantle,
		Interactable:  !p.inFlight,
		Rediscovering: p.inFlight,
	})
}
