// Package memscene is an in-memory host: colliders, spawned objects and lightweight instances
// kept in R-trees, with swept-box queries answered by slab intersection.
package memscene

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/block/cube/trace"
	"github.com/dhconnelly/rtreego"
	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

// Collider is static scene geometry (terrain, water, props, pawns).
type Collider struct {
	Kind     host.ActorKind
	Class    string
	Tags     []string
	Mesh     string
	Blocking bool
	Bounds   cube.BBox
}

type collider struct {
	id  host.ObjectID
	def Collider
}

func (c *collider) Bounds() rtreego.Rect { return rect(c.def.Bounds) }

type object struct {
	id         host.ObjectID
	class      string
	descriptor string
	tr         geom.Transform
	bounds     cube.BBox
	parent     host.ObjectID

	// lightweight temporary state
	temporary bool
	source    *instance
	blocked   bool

	valid atomic.Bool
}

func (o *object) ID() host.ObjectID         { return o.id }
func (o *object) Class() string             { return o.class }
func (o *object) Transform() geom.Transform { return o.tr }
func (o *object) Valid() bool               { return o.valid.Load() }
func (o *object) Bounds() rtreego.Rect      { return rect(o.bounds) }
func (o *object) String() string            { return fmt.Sprintf("%s#%d", o.class, o.id) }

type instance struct {
	class  string
	index  int
	tr     geom.Transform
	bounds cube.BBox
	temp   *object
}

func (i *instance) Bounds() rtreego.Rect { return rect(i.bounds) }

func (i *instance) public() host.LightweightInstance {
	return host.LightweightInstance{Class: i.class, Index: i.index, Transform: i.tr}
}

// Scene implements host.Scene, host.Spawner and host.Lightweights.
type Scene struct {
	mu sync.Mutex

	nextID    host.ObjectID
	nextIndex int

	colliders *rtreego.Rtree
	objects   map[host.ObjectID]*object
	placed    *rtreego.Rtree

	instances map[int]*instance
	instTree  *rtreego.Rtree

	listeners []func(host.Removal)

	// SpawnErr, when set, fails every Spawn call whose class matches.
	SpawnErr map[string]error
}

func New() *Scene {
	return &Scene{
		colliders: rtreego.NewTree(3, 8, 32),
		placed:    rtreego.NewTree(3, 8, 32),
		instTree:  rtreego.NewTree(3, 8, 32),
		objects:   map[host.ObjectID]*object{},
		instances: map[int]*instance{},
		nextIndex: 1,
	}
}

// OnRemoved registers fn for every object or instance removed through the scene.
func (s *Scene) OnRemoved(fn func(host.Removal)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Scene) AddCollider(c Collider) host.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.colliders.Insert(&collider{id: s.nextID, def: c})
	return s.nextID
}

// Sweep moves a box of q.HalfExtent from q.Start along q.Direction and reports every
// collider and placed object it touches, nearest first.
func (s *Scene) Sweep(ctx context.Context, q host.SweepQuery) ([]host.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := q.Direction
	if l := dir.Len(); l > 0 {
		dir = dir.Mul(1 / l)
	}
	end := q.Start.Add(dir.Mul(q.MaxDistance))
	probe := geom.Box(q.Start, end).GrowVec3(q.HalfExtent)

	ignore := make(map[host.ObjectID]struct{}, len(q.Ignore))
	for _, id := range q.Ignore {
		ignore[id] = struct{}{}
	}

	s.mu.Lock()
	var hits []host.Hit
	for _, sp := range s.colliders.SearchIntersect(rect(probe)) {
		c := sp.(*collider)
		if _, ok := ignore[c.id]; ok {
			continue
		}
		if d, at, ok := sweepHit(c.def.Bounds, q.Start, end, q.HalfExtent); ok {
			hits = append(hits, host.Hit{
				ActorID:  c.id,
				Kind:     c.def.Kind,
				Class:    c.def.Class,
				Tags:     append([]string(nil), c.def.Tags...),
				Mesh:     c.def.Mesh,
				Blocking: c.def.Blocking,
				Distance: d,
				Location: at,
			})
		}
	}
	for _, sp := range s.placed.SearchIntersect(rect(probe)) {
		o := sp.(*object)
		if _, ok := ignore[o.id]; ok {
			continue
		}
		if d, at, ok := sweepHit(o.bounds, q.Start, end, q.HalfExtent); ok {
			hits = append(hits, host.Hit{
				ActorID:  o.id,
				Kind:     host.KindBuildable,
				Class:    o.class,
				Mesh:     o.descriptor,
				Blocking: true,
				Distance: d,
				Location: at,
			})
		}
	}
	for _, sp := range s.instTree.SearchIntersect(rect(probe)) {
		in := sp.(*instance)
		if in.temp != nil {
			continue // the temporary object is already indexed
		}
		if d, at, ok := sweepHit(in.bounds, q.Start, end, q.HalfExtent); ok {
			hits = append(hits, host.Hit{
				Kind:     host.KindBuildable,
				Class:    in.class,
				Blocking: true,
				Distance: d,
				Location: at,
			})
		}
	}
	s.mu.Unlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// sweepHit grows bb by the probe's half extent so the swept box reduces to a segment test.
func sweepHit(bb cube.BBox, start, end, half mgl64.Vec3) (float64, mgl64.Vec3, bool) {
	grown := bb.GrowVec3(half)
	if within(grown, start) {
		return 0, start, true
	}
	res, ok := trace.BBoxIntercept(grown, start, end)
	if !ok {
		return 0, mgl64.Vec3{}, false
	}
	at := res.Position()
	return at.Sub(start).Len(), at, true
}

func within(bb cube.BBox, p mgl64.Vec3) bool {
	lo, hi := bb.Min(), bb.Max()
	for i := 0; i < 3; i++ {
		if p[i] < lo[i] || p[i] > hi[i] {
			return false
		}
	}
	return true
}

// rtreego rejects zero-length sides.
func rect(bb cube.BBox) rtreego.Rect {
	lo, hi := bb.Min(), bb.Max()
	lengths := make([]float64, 3)
	for i := 0; i < 3; i++ {
		lengths[i] = math.Max(hi[i]-lo[i], 1e-6)
	}
	r, err := rtreego.NewRect(rtreego.Point{lo[0], lo[1], lo[2]}, lengths)
	if err != nil {
		panic(fmt.Sprintf("memscene: bad rect %v: %v", bb, err))
	}
	return r
}
