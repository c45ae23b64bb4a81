// Package plan converts a trace result and a three-segment part scheme into counts,
// positions and a bill of materials.
package plan

import (
	"fmt"
	"sort"

	"github.com/df-mc/dragonfly/server/block/cube"

	"autosupport.dev/internal/sim/autosupport/placement"
	"autosupport.dev/internal/sim/autosupport/reason"
	"autosupport.dev/internal/sim/autosupport/trace"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/mathx"
	"autosupport.dev/internal/sim/tuning"
)

type Role uint8

const (
	RoleStart Role = iota
	RoleMiddle
	RoleEnd
)

func (r Role) String() string {
	switch r {
	case RoleStart:
		return "start"
	case RoleMiddle:
		return "middle"
	case RoleEnd:
		return "end"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// PartConfig is the persisted choice for one segment. An empty Descriptor leaves the
// segment unspecified.
type PartConfig struct {
	Descriptor    string
	Orientation   geom.Direction
	Customization host.Customization
}

// PartSpec is one segment of a plan. Fields below the config are derived while planning.
type PartSpec struct {
	Role Role
	PartConfig

	Def       catalogs.PartDef
	Bounds    cube.BBox
	Placement placement.Placement
	Count     int
	// Skipped marks a specified segment that was left out: an end part that did not fit,
	// or a middle part with no gap left to fill.
	Skipped bool
}

func (s *PartSpec) Specified() bool { return s.Descriptor != "" }

// Included reports whether the segment takes part in the plan.
func (s *PartSpec) Included() bool { return s.Specified() && !s.Skipped }

func (s *PartSpec) Consumed() float64 { return s.Placement.Consumed }

// Catalog resolves descriptors and recipes.
type Catalog interface {
	Part(id string) (catalogs.PartDef, bool)
	Ingredients(recipeID string) ([]catalogs.ItemCount, bool)
}

type Plan struct {
	Start  PartSpec
	Middle PartSpec
	End    PartSpec

	// Anchor is the world pose of the chain frame origin.
	Anchor    geom.Transform
	Direction geom.Direction
	Distance  float64
	// EndOffset pulls the end segment back along the build axis when the last middle
	// repeat overshoots.
	EndOffset float64

	Disqualifiers []reason.Code
	Cost          map[string]int
}

func (p *Plan) specs() []*PartSpec {
	return []*PartSpec{&p.Start, &p.Middle, &p.End}
}

// Actionable is true when nothing disqualifies the plan, some segment is included and
// every included segment places at least one part.
func (p *Plan) Actionable() bool {
	if len(p.Disqualifiers) > 0 {
		return false
	}
	included := false
	for _, s := range p.specs() {
		if !s.Included() {
			continue
		}
		if s.Count <= 0 {
			return false
		}
		included = true
	}
	return included
}

func (p *Plan) PartCount() int {
	n := 0
	for _, s := range p.specs() {
		if s.Included() {
			n += s.Count
		}
	}
	return n
}

// Disqualify records c once. A disqualified plan is never actionable.
func (p *Plan) Disqualify(c reason.Code) {
	for _, have := range p.Disqualifiers {
		if have == c {
			return
		}
	}
	p.Disqualifiers = append(p.Disqualifiers, c)
}

// CostLines returns the bill of materials sorted by item.
func (p *Plan) CostLines() []catalogs.ItemCount {
	out := make([]catalogs.ItemCount, 0, len(p.Cost))
	for item, n := range p.Cost {
		out = append(out, catalogs.ItemCount{Item: item, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

type Assembler struct {
	catalog Catalog
	tuning  tuning.Source
}

func NewAssembler(catalog Catalog, src tuning.Source) *Assembler {
	return &Assembler{catalog: catalog, tuning: src}
}

// Assemble builds a plan. It reads tuning once per call and has no side effects.
//
// The end part is seated before the middle is counted. When the end is longer than one
// middle repeat, the part count is therefore not monotonic in distance: the distance at
// which the end first fits places fewer parts than a slightly shorter one, where the end is
// skipped and middle repeats fill the whole gap.
func (a *Assembler) Assemble(tr trace.Result, dir geom.Direction, start, middle, end PartConfig) *Plan {
	tu := a.tuning()
	p := &Plan{
		Start:     PartSpec{Role: RoleStart, PartConfig: start},
		Middle:    PartSpec{Role: RoleMiddle, PartConfig: middle},
		End:       PartSpec{Role: RoleEnd, PartConfig: end},
		Anchor:    tr.Start,
		Direction: dir,
		Distance:  tr.Distance,
		Cost:      map[string]int{},
	}

	specified := false
	for _, s := range p.specs() {
		if !s.Specified() {
			continue
		}
		specified = true
		def, ok := a.catalog.Part(s.Descriptor)
		if !ok {
			p.Disqualify(reason.UnknownDescriptor)
			continue
		}
		s.Def = def
		s.Bounds = geom.BoxFromArray(def.Bounds)
		s.Placement = placement.Seat(s.Bounds, s.Orientation, dir)
	}
	if !specified {
		p.Disqualify(reason.NoPartsConfigured)
		return p
	}
	if len(p.Disqualifiers) > 0 {
		return p
	}
	if tr.Disqualified() {
		p.Disqualify(tr.Disqualifier)
		return p
	}
	if mathx.NearlyZero(tr.Distance) {
		p.Disqualify(reason.NotEnoughRoom)
		return p
	}

	remaining := tr.Distance
	fits := func(s *PartSpec) bool {
		return s.Placement.Buildable() && remaining+tu.FitTolerance >= s.Consumed()
	}

	if p.Start.Specified() {
		if !fits(&p.Start) {
			p.Disqualify(reason.NotEnoughRoom)
			return p
		}
		p.Start.Count = 1
		remaining -= p.Start.Consumed()
	}

	if p.End.Specified() {
		if fits(&p.End) {
			p.End.Count = 1
			remaining -= p.End.Consumed()
		} else {
			p.End.Skipped = true
		}
	}

	if p.Middle.Specified() {
		n := 0
		if p.Middle.Placement.Buildable() && remaining > 0 {
			step := p.Middle.Consumed()
			if step < 1 {
				step = 1
			}
			n = mathx.FloorDiv(remaining, step)
			if rem := remaining - float64(n)*step; rem > tu.OverlapTolerance {
				n++
				p.EndOffset = -(step - rem)
			}
		}
		// start and end already close the gap
		if n == 0 {
			p.Middle.Skipped = true
		}
		p.Middle.Count = n
	}

	if !p.Actionable() {
		p.Disqualify(reason.NotEnoughRoom)
		return p
	}

	for _, s := range p.specs() {
		if !s.Included() {
			continue
		}
		lines, _ := a.catalog.Ingredients(s.Def.Recipe)
		for _, l := range lines {
			p.Cost[l.Item] += l.Count * s.Count
		}
	}
	return p
}
