// Package handle tracks the identity of placed objects across their two runtime forms: full
// objects and lightweight instances that are spawned up on demand.
package handle

import (
	"context"
	"fmt"

	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

type Kind uint8

const (
	KindObject Kind = iota
	KindLightweight
)

func (k Kind) String() string {
	if k == KindLightweight {
		return "lightweight"
	}
	return "object"
}

type State uint8

const (
	Unresolved State = iota
	Resolving
	Live
	Invalid
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Live:
		return "live"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Handle is one grouping member. The live object is a weak reference: it may be destroyed
// by the host at any time, so every access checks Valid.
type Handle struct {
	key   Key
	kind  Kind
	state State

	obj       host.Object
	temporary bool
	source    *host.LightweightInstance
}

// FromObject records a freshly placed full object.
func FromObject(obj host.Object) *Handle {
	return &Handle{
		key:   KeyOf(obj.Class(), obj.Transform()),
		kind:  KindObject,
		state: Live,
		obj:   obj,
	}
}

// FromLightweight records a freshly placed lightweight instance. It is resolvable but has
// no object until EnsureAvailable spawns one.
func FromLightweight(inst host.LightweightInstance) *Handle {
	src := inst
	return &Handle{
		key:    KeyOf(inst.Class, inst.Transform),
		kind:   KindLightweight,
		state:  Unresolved,
		source: &src,
	}
}

// Restore rebuilds a handle from saved data.
func Restore(key Key, kind Kind) *Handle {
	return &Handle{key: key, kind: kind, state: Unresolved}
}

func (h *Handle) Key() Key                  { return h.key }
func (h *Handle) Kind() Kind                { return h.kind }
func (h *Handle) State() State              { return h.state }
func (h *Handle) Class() string             { return h.key.Class }
func (h *Handle) Transform() geom.Transform { return h.key.Transform() }

// Resolvable reports whether EnsureAvailable has something to work with.
func (h *Handle) Resolvable() bool {
	if h.state == Invalid {
		return false
	}
	if _, ok := h.Object(); ok {
		return true
	}
	return h.kind == KindLightweight && h.source != nil
}

// Object returns the live object if there is one.
func (h *Handle) Object() (host.Object, bool) {
	if h.obj == nil || !h.obj.Valid() {
		return nil, false
	}
	return h.obj, true
}

// MustObject returns the live object and panics when there is none. Callers use it only
// after EnsureAvailable succeeded.
func (h *Handle) MustObject() host.Object {
	obj, ok := h.Object()
	if !ok {
		panic(fmt.Sprintf("handle %s (%s, %s): no live object", h.key, h.kind, h.state))
	}
	return obj
}

// Source is the lightweight record the handle resolves through, if known.
func (h *Handle) Source() (host.LightweightInstance, bool) {
	if h.source == nil {
		return host.LightweightInstance{}, false
	}
	return *h.source, true
}

// Equal implements the identity contract: same class and transform within tol, same kind,
// and for full objects the same live object. It compares two registered members; removals
// arrive with an object that is already gone, so they go through Matches instead.
func (h *Handle) Equal(o *Handle, tol float64) bool {
	if h == nil || o == nil {
		return h == o
	}
	if h.kind != o.kind || !h.key.Near(o.key, tol) {
		return false
	}
	if h.kind == KindLightweight {
		return true
	}
	a, okA := h.Object()
	b, okB := o.Object()
	return okA && okB && a.ID() == b.ID()
}

// Matches reports whether obj is the object this handle identifies.
func (h *Handle) Matches(obj host.Object, tol float64) bool {
	if obj == nil {
		return false
	}
	if cur, ok := h.Object(); ok {
		return cur.ID() == obj.ID()
	}
	return h.key.Near(KeyOf(obj.Class(), obj.Transform()), tol)
}

// EnsureAvailable drives the handle to Live. A live temporary gets its cleanup blocked so
// it survives inspection; an unresolved lightweight handle spawns a temporary from its
// source. A handle that cannot be materialized becomes Invalid and the error says why.
func (h *Handle) EnsureAvailable(ctx context.Context, lw host.Lightweights) error {
	switch h.state {
	case Invalid:
		return fmt.Errorf("handle %s: invalid", h.key)
	case Resolving:
		return fmt.Errorf("handle %s: resolve in flight", h.key)
	}
	if obj, ok := h.Object(); ok {
		if h.temporary {
			lw.SetCleanupBlocked(obj, true)
		}
		h.state = Live
		return nil
	}
	h.obj, h.temporary = nil, false

	if h.kind != KindLightweight || h.source == nil {
		h.state = Invalid
		return fmt.Errorf("handle %s: no object and no lightweight source", h.key)
	}
	cur, ok := lw.Lookup(h.source.Class, h.source.Index)
	if !ok || KeyOf(cur.Class, cur.Transform) != KeyOf(h.source.Class, h.source.Transform) {
		h.state = Invalid
		return fmt.Errorf("handle %s: lightweight source %d is gone", h.key, h.source.Index)
	}
	obj, err := lw.SpawnTemporary(ctx, cur)
	if err != nil {
		h.state = Invalid
		return fmt.Errorf("handle %s: spawn temporary: %w", h.key, err)
	}
	lw.SetCleanupBlocked(obj, true)
	h.obj, h.temporary, h.state = obj, true, Live
	return nil
}

// Release lets the host clean up a live temporary again. Full objects are unaffected.
func (h *Handle) Release(lw host.Lightweights) {
	if h.state != Live || !h.temporary {
		return
	}
	if obj, ok := h.Object(); ok {
		lw.SetCleanupBlocked(obj, false)
	}
	h.obj, h.temporary, h.state = nil, false, Unresolved
}

// BeginResolve marks the handle as part of an in-flight rediscovery.
func (h *Handle) BeginResolve() {
	if h.state == Unresolved {
		h.state = Resolving
	}
}

// ResolveLightweight records the instance a rediscovery matched. The handle stays
// Unresolved until something demands it.
func (h *Handle) ResolveLightweight(inst host.LightweightInstance) {
	src := inst
	h.source = &src
	if h.state == Resolving {
		h.state = Unresolved
	}
}

// ResolveObject binds a rediscovered full object.
func (h *Handle) ResolveObject(obj host.Object) {
	h.obj, h.temporary = obj, false
	if h.state == Resolving || h.state == Unresolved {
		h.state = Live
	}
}

// EndResolve returns a handle that found no match to Unresolved.
func (h *Handle) EndResolve() {
	if h.state == Resolving {
		h.state = Unresolved
	}
}

func (h *Handle) Invalidate() {
	h.obj, h.temporary = nil, false
	h.state = Invalid
}
