// Package trace probes from a building face along its build direction and turns the hits
// into a usable build distance.
package trace

import (
	"context"
	"fmt"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/autosupport/reason"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/tuning"
)

type Request struct {
	Building geom.Transform
	// Bounds is the building's local box.
	Bounds      cube.BBox
	Direction   geom.Direction
	TerrainOnly bool

	// EndExtent is the end part's extent along the build axis, zero without an end part.
	EndExtent float64
	Burial    float64

	Ignore []host.ObjectID
}

type Result struct {
	Distance  float64
	Start     geom.Transform
	Direction mgl64.Vec3

	Hit            Class
	Pawn           PawnKind
	HitActor       host.ObjectID
	HitRule        string
	IsLandscapeHit bool

	Disqualifier reason.Code
}

func (r Result) Disqualified() bool { return r.Disqualifier != "" }

type Engine struct {
	scene      host.Scene
	tuning     tuning.Source
	classifier *Classifier
}

func NewEngine(scene host.Scene, src tuning.Source) *Engine {
	return &Engine{scene: scene, tuning: src, classifier: NewClassifier()}
}

// Start is the world pose of the probe origin: the center of the building face opposite to
// the build direction, rotated with the building.
func Start(building geom.Transform, bounds cube.BBox, d geom.Direction) geom.Transform {
	return geom.At(building.Apply(geom.FaceCenter(bounds, d.Opposite())), building.Rotation)
}

// Trace runs one probe. It has no side effects.
func (e *Engine) Trace(ctx context.Context, req Request) (Result, error) {
	tu := e.tuning()
	start := Start(req.Building, req.Bounds, req.Direction)
	dir := req.Building.Direction(req.Direction.UnitVector()).Normalize()
	res := Result{Start: start, Direction: dir}

	hits, err := e.scene.Sweep(ctx, host.SweepQuery{
		Start:       start.Location,
		Direction:   dir,
		MaxDistance: tu.MaxProbeDistance,
		HalfExtent:  mgl64.Vec3(tu.ProbeHalfExtent),
		Ignore:      req.Ignore,
	})
	if err != nil {
		return Result{}, fmt.Errorf("trace sweep: %w", err)
	}

	for _, h := range hits {
		c, err := e.classifier.Classify(tu.HitRules, h)
		if err != nil {
			return Result{}, err
		}
		if c.Class == ClassPawn {
			res.Hit, res.Pawn, res.HitActor = ClassPawn, c.Pawn, h.ActorID
			res.Disqualifier = pawnReason(c.Pawn)
			return res, nil
		}
		if h.Distance <= tu.MinHitDistance {
			continue
		}
		switch {
		case c.Class == ClassIncompatible:
			res.Hit, res.HitActor, res.HitRule = ClassIncompatible, h.ActorID, c.Rule
			res.Disqualifier = reason.IntersectingStructure
			return res, nil
		case c.Class == ClassTerrain:
			res.Hit, res.HitActor, res.HitRule = ClassTerrain, h.ActorID, c.Rule
			res.IsLandscapeHit = true
			res.Distance = h.Distance
			if req.EndExtent > 0 {
				res.Distance += req.EndExtent * tu.ClampBurial(req.Burial)
			}
			return res, nil
		case c.Class == ClassBlock && !req.TerrainOnly:
			res.Hit, res.HitActor, res.HitRule = ClassBlock, h.ActorID, c.Rule
			res.Distance = h.Distance
			return res, nil
		}
	}

	res.Hit = ClassIgnore
	res.Distance = tu.MaxProbeDistance
	return res, nil
}

func pawnReason(k PawnKind) reason.Code {
	switch k {
	case PawnPlayer:
		return reason.EncroachingPlayer
	case PawnVehicle:
		return reason.EncroachingVehicle
	default:
		return reason.EncroachingCreature
	}
}
