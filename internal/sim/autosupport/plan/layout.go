package plan

import (
	"github.com/df-mc/dragonfly/server/block/cube"

	"autosupport.dev/internal/sim/geom"
)

// Slot is one part to place.
type Slot struct {
	Spec *PartSpec
	// Offset is the distance of the part's near face from the chain origin.
	Offset float64
	Local  geom.Transform
	World  geom.Transform
	// Box is the part's world bounds.
	Box cube.BBox
}

// Layout lists the parts of an actionable plan in build order: start, every middle repeat,
// then end. Non-actionable plans have no layout.
func (p *Plan) Layout() []Slot {
	if !p.Actionable() {
		return nil
	}
	var out []Slot
	add := func(s *PartSpec, offset float64) {
		local := s.Placement.At(offset)
		world := p.Anchor.Compose(local)
		out = append(out, Slot{
			Spec:   s,
			Offset: offset,
			Local:  local,
			World:  world,
			Box:    geom.ApplyBox(world, s.Bounds),
		})
	}

	offset := 0.0
	if p.Start.Included() {
		add(&p.Start, offset)
		offset += p.Start.Consumed()
	}
	if p.Middle.Included() {
		for i := 0; i < p.Middle.Count; i++ {
			add(&p.Middle, offset)
			offset += p.Middle.Consumed()
		}
	}
	if p.End.Included() {
		add(&p.End, offset+p.EndOffset)
	}
	return out
}

// Bounds is the union of every slot's world box.
func Bounds(slots []Slot) (cube.BBox, bool) {
	if len(slots) == 0 {
		return cube.BBox{}, false
	}
	b := slots[0].Box
	for _, s := range slots[1:] {
		b = geom.Union(b, s.Box)
	}
	return b, true
}
