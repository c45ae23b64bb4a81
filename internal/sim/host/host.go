// Package host declares the services the support subsystem consumes from the game
// simulation: scene queries, spawning, lightweight instance storage and the build tool UI.
package host

import (
	"context"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/geom"
)

type ObjectID uint64

// Object is a live placed object. It may be destroyed at any time by the host; check Valid
// before use.
type Object interface {
	ID() ObjectID
	Class() string
	Transform() geom.Transform
	Valid() bool
}

// Customization is cosmetic data (swatch, pattern, material) carried to spawned parts.
type Customization map[string]string

type ActorKind string

const (
	KindLandscape ActorKind = "LANDSCAPE"
	KindPlayer    ActorKind = "PLAYER"
	KindVehicle   ActorKind = "VEHICLE"
	KindCreature  ActorKind = "CREATURE"
	KindBuildable ActorKind = "BUILDABLE"
	KindWater     ActorKind = "WATER"
	KindGeneric   ActorKind = "GENERIC"
)

// Hit is one overlap reported by a sweep.
type Hit struct {
	ActorID  ObjectID
	Kind     ActorKind
	Class    string
	Tags     []string
	Mesh     string
	Blocking bool
	Distance float64
	Location mgl64.Vec3
}

type SweepQuery struct {
	Start       mgl64.Vec3
	Direction   mgl64.Vec3
	MaxDistance float64
	HalfExtent  mgl64.Vec3
	Ignore      []ObjectID
}

// Scene answers collision queries. Sweep returns every hit ordered by distance.
type Scene interface {
	Sweep(ctx context.Context, q SweepQuery) ([]Hit, error)
}

type SpawnRequest struct {
	Class         string
	Descriptor    string
	Transform     geom.Transform
	Bounds        cube.BBox
	Customization Customization
	Lightweight   bool
	// Parent is the chain root the new object attaches to; nil for the root itself.
	Parent Object
}

// Placed is the result of a spawn: a full object, or a lightweight instance when the
// request asked for the compact representation.
type Placed struct {
	Object      Object
	Lightweight *LightweightInstance
}

type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Placed, error)
	Destroy(ctx context.Context, obj Object) error
}

// LightweightInstance is the compact record of a placed object kept without a full
// actor. Index is only meaningful until the next save/load.
type LightweightInstance struct {
	Class     string
	Index     int
	Transform geom.Transform
}

type Lightweights interface {
	// Overlap returns every instance whose bounds intersect the box.
	Overlap(ctx context.Context, bounds cube.BBox) ([]LightweightInstance, error)
	// Lookup returns the instance currently stored at index, if any.
	Lookup(class string, index int) (LightweightInstance, bool)
	// SpawnTemporary materializes a full object for an instance.
	SpawnTemporary(ctx context.Context, inst LightweightInstance) (Object, error)
	// SetCleanupBlocked keeps a temporary object alive across the host's cleanup passes.
	SetCleanupBlocked(obj Object, blocked bool)
	// Remove deletes an instance that has no temporary object.
	Remove(ctx context.Context, inst LightweightInstance) error
}

// Finder locates full objects, used to rebind persisted handles after a load.
type Finder interface {
	// ObjectsIn returns every non-temporary object whose bounds intersect the box.
	ObjectsIn(ctx context.Context, bounds cube.BBox) ([]Object, error)
}

// Removal describes an object that left the world without going through the subsystem.
type Removal struct {
	Class     string
	Transform geom.Transform
	// Object is nil when a lightweight instance without a temporary was removed.
	Object Object
}

type ToolState struct {
	Equipped bool
	Mode     string
	Actor    string
}

const (
	ToolModeBuild     = "BUILD"
	ToolModeDismantle = "DISMANTLE"
)

// GroupingState is pushed to the build tool whenever a grouping's interaction state changes.
type GroupingState struct {
	GroupingID    string
	Members       int
	Highlighted   bool
	Interactable  bool
	Rediscovering bool
	Destroyed     bool
}

type ToolUI interface {
	PushGroupingState(s GroupingState)
}

// NopToolUI discards pushes.
type NopToolUI struct{}

func (NopToolUI) PushGroupingState(GroupingState) {}
