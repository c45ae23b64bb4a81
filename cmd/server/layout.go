package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/autosupport/payment"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/host/memscene"
)

// Layout is the demo host world: static colliders, the anchor buildings and the actors
// that may build. It stands in for the game's own level and inventory data.
type Layout struct {
	Colliders []ColliderDef       `yaml:"colliders"`
	Buildings []BuildingDef       `yaml:"buildings"`
	Actors    map[string]ActorDef `yaml:"actors"`
	Depot     map[string]int      `yaml:"depot"`
}

type ColliderDef struct {
	Kind     string     `yaml:"kind"`
	Class    string     `yaml:"class"`
	Tags     []string   `yaml:"tags"`
	Mesh     string     `yaml:"mesh"`
	Blocking bool       `yaml:"blocking"`
	Min      [3]float64 `yaml:"min"`
	Max      [3]float64 `yaml:"max"`
}

type BuildingDef struct {
	ID          string     `yaml:"id"`
	Part        string     `yaml:"part"`
	Pos         [3]float64 `yaml:"pos"`
	YawDeg      float64    `yaml:"yaw"`
	Direction   string     `yaml:"direction"`
	Start       PartDef    `yaml:"start"`
	Middle      PartDef    `yaml:"middle"`
	End         PartDef    `yaml:"end"`
	Burial      float64    `yaml:"burial"`
	TerrainOnly bool       `yaml:"terrain_only"`
}

type PartDef struct {
	Descriptor    string            `yaml:"descriptor"`
	Orientation   string            `yaml:"orientation"`
	Customization map[string]string `yaml:"customization"`
}

type ActorDef struct {
	Inventory map[string]int `yaml:"inventory"`
	FreeBuild bool           `yaml:"free_build"`

	// NoDepot keeps the actor off the shared depot.
	NoDepot bool `yaml:"no_depot"`
}

func LoadLayout(path string) (Layout, error) {
	var l Layout
	raw, err := os.ReadFile(path)
	if err != nil {
		return l, err
	}
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return l, fmt.Errorf("layout: %w", err)
	}
	return l, nil
}

// Populate adds the colliders to the scene.
func (l Layout) Populate(scene *memscene.Scene) {
	for _, c := range l.Colliders {
		scene.AddCollider(memscene.Collider{
			Kind:     host.ActorKind(c.Kind),
			Class:    c.Class,
			Tags:     c.Tags,
			Mesh:     c.Mesh,
			Blocking: c.Blocking,
			Bounds:   geom.Box(mgl64.Vec3(c.Min), mgl64.Vec3(c.Max)),
		})
	}
}

// SpawnBuildings places every anchor building in the scene and registers it with the
// service.
func (l Layout) SpawnBuildings(ctx context.Context, scene *memscene.Scene, svc *autosupport.Service, cats *catalogs.Catalogs) error {
	for _, bd := range l.Buildings {
		b, err := bd.building(cats)
		if err != nil {
			return err
		}
		placed, err := scene.Spawn(ctx, host.SpawnRequest{
			Class:      b.Class,
			Descriptor: bd.Part,
			Transform:  b.Transform,
			Bounds:     b.Bounds,
		})
		if err != nil {
			return fmt.Errorf("building %s: %w", bd.ID, err)
		}
		b.Object = placed.Object.ID()
		if err := svc.AddBuilding(b); err != nil {
			return err
		}
	}
	return nil
}

func (bd BuildingDef) building(cats *catalogs.Catalogs) (autosupport.Building, error) {
	def, ok := cats.Part(bd.Part)
	if !ok {
		return autosupport.Building{}, fmt.Errorf("building %s: unknown part %q", bd.ID, bd.Part)
	}
	dir, err := geom.ParseDirection(bd.Direction)
	if err != nil {
		return autosupport.Building{}, fmt.Errorf("building %s: %w", bd.ID, err)
	}
	cfg := autosupport.BuildConfig{Direction: dir, Burial: bd.Burial, TerrainOnly: bd.TerrainOnly}
	for _, p := range []struct {
		dst *plan.PartConfig
		src PartDef
	}{{&cfg.Start, bd.Start}, {&cfg.Middle, bd.Middle}, {&cfg.End, bd.End}} {
		if p.src.Descriptor == "" {
			continue
		}
		o := geom.Top
		if p.src.Orientation != "" {
			if o, err = geom.ParseDirection(p.src.Orientation); err != nil {
				return autosupport.Building{}, fmt.Errorf("building %s: %w", bd.ID, err)
			}
		}
		*p.dst = plan.PartConfig{Descriptor: p.src.Descriptor, Orientation: o, Customization: p.src.Customization}
	}
	yaw := mgl64.QuatRotate(bd.YawDeg*math.Pi/180, mgl64.Vec3{0, 1, 0})
	return autosupport.Building{
		ID:        bd.ID,
		Class:     def.Class,
		Transform: geom.At(mgl64.Vec3(bd.Pos), yaw),
		Bounds:    geom.BoxFromArray(def.Bounds),
		Config:    cfg,
	}, nil
}

// RestoreScene respawns the anchor buildings and supports recorded in a save so the service
// can resume against them. Building object ids are rewritten to the new scene's ids. The real
// host keeps placed objects in its own world save; the demo scene lives in memory.
func RestoreScene(ctx context.Context, scene *memscene.Scene, st *snapshot.StateV1, cats *catalogs.Catalogs) (int, error) {
	byClass := map[string]catalogs.PartDef{}
	for _, def := range cats.Parts.ByID {
		byClass[def.Class] = def
	}
	n := 0
	for i := range st.Buildings {
		bv := &st.Buildings[i]
		tr := grouping.Pose{Location: bv.Pos, Rotation: bv.Rot}.Transform()
		placed, err := scene.Spawn(ctx, host.SpawnRequest{
			Class:     bv.Class,
			Transform: tr,
			Bounds:    geom.BoxFromArray(bv.Bounds),
		})
		if err != nil {
			return n, fmt.Errorf("building %s: %w", bv.ID, err)
		}
		bv.ObjectID = uint64(placed.Object.ID())
		n++
	}
	for _, g := range st.Groupings {
		for _, m := range g.Members {
			def, ok := byClass[m.Class]
			if !ok {
				continue
			}
			if _, err := scene.Spawn(ctx, host.SpawnRequest{
				Class:       m.Class,
				Descriptor:  def.ID,
				Transform:   handle.Key{Class: m.Class, Pos: m.Pos, Rot: m.Rot}.Transform(),
				Bounds:      geom.BoxFromArray(def.Bounds),
				Lightweight: m.Lightweight,
			}); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Wallets holds the actors' stock and the shared depot. Unknown actors get an empty stock.
type Wallets struct {
	own    map[string]payment.Inventory
	actors map[string]ActorDef
	depot  payment.Inventory
}

func NewWallets(l Layout) *Wallets {
	w := &Wallets{
		own:    map[string]payment.Inventory{},
		actors: map[string]ActorDef{},
		depot:  payment.Inventory{},
	}
	for item, n := range l.Depot {
		w.depot.Add(item, n)
	}
	for name, a := range l.Actors {
		inv := payment.Inventory{}
		for item, n := range a.Inventory {
			inv.Add(item, n)
		}
		w.own[name] = inv
		w.actors[name] = a
	}
	return w
}

func (w *Wallets) Consumer(actor string) payment.Consumer {
	inv, ok := w.own[actor]
	if !ok {
		inv = payment.Inventory{}
		w.own[actor] = inv
	}
	a := w.actors[actor]
	c := payment.Consumer{ID: actor, Own: inv, FreeBuild: a.FreeBuild}
	if !a.NoDepot {
		c.Depot = w.depot
	}
	return c
}

func (w *Wallets) Actors() []string {
	out := make([]string, 0, len(w.own))
	for name := range w.own {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
