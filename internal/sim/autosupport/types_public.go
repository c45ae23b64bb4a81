package autosupport

import (
	"github.com/df-mc/dragonfly/server/block/cube"

	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

// BuildConfig is the persisted per-building choice of parts and probe options.
type BuildConfig struct {
	Direction geom.Direction
	Start     plan.PartConfig
	Middle    plan.PartConfig
	End       plan.PartConfig
	// Burial is the share of the end part sunk into terrain, clamped by tuning.
	Burial      float64
	TerrainOnly bool
}

// Building is an anchor a support chain is built from.
type Building struct {
	ID        string
	Class     string
	Transform geom.Transform
	// Bounds is the building's local box.
	Bounds cube.BBox
	// Object is the building's own collider, excluded from the probe. Zero if it has none.
	Object host.ObjectID
	Config BuildConfig
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

const (
	AuditBuild     = "BUILD"
	AuditRefused   = "BUILD_REFUSED"
	AuditDismantle = "DISMANTLE"
	AuditDestroyed = "GROUPING_DESTROYED"
)

type AuditEntry struct {
	Tick     uint64         `json:"tick"`
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action"`
	Building string         `json:"building,omitempty"`
	Grouping string         `json:"grouping,omitempty"`
	Members  int            `json:"members,omitempty"`
	Min      [3]float64     `json:"min"`
	Max      [3]float64     `json:"max"`
	Cost     map[string]int `json:"cost,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}
