package trace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/tuning"
)

type Class uint8

const (
	ClassIgnore Class = iota
	ClassTerrain
	ClassBlock
	ClassPawn
	ClassIncompatible
)

func (c Class) String() string {
	switch c {
	case ClassIgnore:
		return "IGNORE"
	case ClassTerrain:
		return "TERRAIN"
	case ClassBlock:
		return "BLOCK"
	case ClassPawn:
		return "PAWN"
	case ClassIncompatible:
		return "INCOMPATIBLE"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

func parseClass(s string) (Class, bool) {
	switch s {
	case "IGNORE":
		return ClassIgnore, true
	case "TERRAIN":
		return ClassTerrain, true
	case "BLOCK":
		return ClassBlock, true
	case "INCOMPATIBLE":
		return ClassIncompatible, true
	}
	return 0, false
}

type PawnKind uint8

const (
	PawnNone PawnKind = iota
	PawnPlayer
	PawnVehicle
	PawnCreature
)

// Classification is the outcome for one hit. Pawn is set only for ClassPawn.
type Classification struct {
	Class Class
	Pawn  PawnKind
	Rule  string
}

// HitEnv is the environment hit rule expressions are evaluated against.
type HitEnv struct {
	Kind     string
	Class    string
	Mesh     string
	Tags     []string
	Blocking bool
	Distance float64
}

type compiledRule struct {
	name  string
	class Class
	prog  *vm.Program
}

// Classifier applies a hit rule table. Compiled expressions are cached by source, so a
// single Classifier can follow a tuning file that changes between calls.
type Classifier struct {
	mu    sync.Mutex
	progs map[string]*vm.Program
}

func NewClassifier() *Classifier {
	return &Classifier{progs: map[string]*vm.Program{}}
}

func (c *Classifier) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(HitEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *Classifier) rules(rs tuning.HitRules) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		class, ok := parseClass(r.Class)
		if !ok {
			return nil, fmt.Errorf("hit rule %q: unknown class %q", r.Name, r.Class)
		}
		p, err := c.compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("compile hit rule %q: %w", r.Name, err)
		}
		out = append(out, compiledRule{name: r.Name, class: class, prog: p})
	}
	return out, nil
}

// Classify resolves one hit: pawn kinds first, then incompatible meshes, terrain, ignore and
// block lists, then the rule expressions in order, and finally the hit's blocking flag.
func (c *Classifier) Classify(rs tuning.HitRules, h host.Hit) (Classification, error) {
	switch h.Kind {
	case host.KindPlayer:
		return Classification{Class: ClassPawn, Pawn: PawnPlayer}, nil
	case host.KindVehicle:
		return Classification{Class: ClassPawn, Pawn: PawnVehicle}, nil
	case host.KindCreature:
		return Classification{Class: ClassPawn, Pawn: PawnCreature}, nil
	}
	if hasPrefix(h.Mesh, rs.IncompatibleMeshPrefixes) {
		return Classification{Class: ClassIncompatible}, nil
	}
	if h.Kind == host.KindLandscape || hasTag(h.Tags, rs.TerrainTags) {
		return Classification{Class: ClassTerrain}, nil
	}
	if h.Kind == host.KindWater || hasTag(h.Tags, rs.IgnoreTags) || hasPrefix(h.Mesh, rs.IgnoreMeshPrefixes) {
		return Classification{Class: ClassIgnore}, nil
	}
	if h.Kind == host.KindBuildable || hasTag(h.Tags, rs.BlockTags) || hasPrefix(h.Mesh, rs.BlockMeshPrefixes) {
		return Classification{Class: ClassBlock}, nil
	}

	compiled, err := c.rules(rs)
	if err != nil {
		return Classification{}, err
	}
	env := HitEnv{
		Kind:     string(h.Kind),
		Class:    h.Class,
		Mesh:     h.Mesh,
		Tags:     h.Tags,
		Blocking: h.Blocking,
		Distance: h.Distance,
	}
	for _, r := range compiled {
		out, err := vm.Run(r.prog, env)
		if err != nil {
			return Classification{}, fmt.Errorf("hit rule %q: %w", r.name, err)
		}
		if matched, _ := out.(bool); matched {
			return Classification{Class: r.class, Rule: r.name}, nil
		}
	}

	if h.Blocking {
		return Classification{Class: ClassBlock}, nil
	}
	return Classification{Class: ClassIgnore}, nil
}

func hasTag(tags, set []string) bool {
	for _, t := range tags {
		for _, s := range set {
			if t == s {
				return true
			}
		}
	}
	return false
}

func hasPrefix(mesh string, prefixes []string) bool {
	if mesh == "" {
		return false
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(mesh, p) {
			return true
		}
	}
	return false
}
