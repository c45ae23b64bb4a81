// Package materialize turns an actionable plan into placed objects owned by one grouping.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/df-mc/dragonfly/server/block/cube"

	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

var ErrNotActionable = errors.New("plan is not actionable")

// Placement is one part of a preview chain.
type Placement struct {
	Role        plan.Role
	Descriptor  string
	Class       string
	Transform   geom.Transform
	Bounds      cube.BBox
	Lightweight bool
}

// Preview lists the parts a plan would place, without touching the world.
func Preview(p *plan.Plan) []Placement {
	slots := p.Layout()
	out := make([]Placement, 0, len(slots))
	for _, s := range slots {
		out = append(out, Placement{
			Role:        s.Spec.Role,
			Descriptor:  s.Spec.Descriptor,
			Class:       s.Spec.Def.Class,
			Transform:   s.World,
			Bounds:      s.Box,
			Lightweight: s.Spec.Def.Lightweight,
		})
	}
	return out
}

type Materializer struct {
	log     *log.Logger
	spawner host.Spawner
	lw      host.Lightweights
	groups  *grouping.Subsystem
}

func New(logger *log.Logger, spawner host.Spawner, lw host.Lightweights, groups *grouping.Subsystem) *Materializer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Materializer{log: logger, spawner: spawner, lw: lw, groups: groups}
}

// Materialize spawns the plan's chain. The first full object is the chain root and the
// parts after it attach to it; lightweight parts placed before it stay unparented. The grouping is finalized, and so visible to the registry, only after every
// part is placed; on failure everything spawned so far is removed again.
func (m *Materializer) Materialize(ctx context.Context, p *plan.Plan, owner string) (*grouping.Proxy, error) {
	if !p.Actionable() {
		return nil, ErrNotActionable
	}
	slots := p.Layout()
	proxy := m.groups.NewDeferred(owner, p.Anchor)

	var (
		root    host.Object
		spawned []host.Placed
		bounds  cube.BBox
	)
	for i, s := range slots {
		placed, err := m.spawner.Spawn(ctx, host.SpawnRequest{
			Class:         s.Spec.Def.Class,
			Descriptor:    s.Spec.Descriptor,
			Transform:     s.World,
			Bounds:        s.Spec.Bounds,
			Customization: s.Spec.Customization,
			Lightweight:   s.Spec.Def.Lightweight,
			Parent:        root,
		})
		if err != nil {
			m.rollback(ctx, proxy, spawned)
			return nil, fmt.Errorf("spawn %s part %d (%s): %w", s.Spec.Role, i, s.Spec.Descriptor, err)
		}
		spawned = append(spawned, placed)
		if root == nil && placed.Object != nil {
			root = placed.Object
		}
		if i == 0 {
			bounds = s.Box
		} else {
			bounds = geom.Union(bounds, s.Box)
		}
		if _, err := proxy.RegisterMember(placed); err != nil {
			m.rollback(ctx, proxy, spawned)
			return nil, err
		}
	}

	if err := proxy.Finalize(bounds, p.Cost); err != nil {
		m.rollback(ctx, proxy, spawned)
		return nil, err
	}
	return proxy, nil
}

func (m *Materializer) rollback(ctx context.Context, proxy *grouping.Proxy, spawned []host.Placed) {
	proxy.Abandon()
	for i := len(spawned) - 1; i >= 0; i-- {
		var err error
		switch pl := spawned[i]; {
		case pl.Object != nil:
			err = m.spawner.Destroy(ctx, pl.Object)
		case pl.Lightweight != nil:
			err = m.lw.Remove(ctx, *pl.Lightweight)
		}
		if err != nil {
			m.log.Printf("materialize rollback: %v", err)
		}
	}
}
