package tuning

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"autosupport.dev/internal/sim/mathx"
)

// Hard limits for the burial fraction of the terrain-adjacent part.
const (
	BurialFloor   = 0.0
	BurialCeiling = 0.5
)

type Tuning struct {
	MaxProbeDistance float64    `yaml:"max_probe_distance"`
	ProbeHalfExtent  [3]float64 `yaml:"probe_half_extent"`
	MinHitDistance   float64    `yaml:"min_hit_distance"`

	BurialMin float64 `yaml:"burial_min"`
	BurialMax float64 `yaml:"burial_max"`

	FitTolerance     float64 `yaml:"fit_tolerance"`
	OverlapTolerance float64 `yaml:"overlap_tolerance"`

	HandlePositionTolerance float64 `yaml:"handle_position_tolerance"`
	RediscoveryMargin       float64 `yaml:"rediscovery_margin"`

	AllowSharedDepot    bool `yaml:"allow_shared_depot"`
	PreferOwnStockFirst bool `yaml:"prefer_own_stock_first"`

	HitRules HitRules `yaml:"hit_rules"`
}

type HitRules struct {
	TerrainTags []string `yaml:"terrain_tags,omitempty"`
	IgnoreTags  []string `yaml:"ignore_tags,omitempty"`
	BlockTags   []string `yaml:"block_tags,omitempty"`

	IgnoreMeshPrefixes       []string `yaml:"ignore_mesh_prefixes,omitempty"`
	BlockMeshPrefixes        []string `yaml:"block_mesh_prefixes,omitempty"`
	IncompatibleMeshPrefixes []string `yaml:"incompatible_mesh_prefixes,omitempty"`

	Rules []HitRule `yaml:"rules,omitempty"`
}

// HitRule classifies a hit when its expression evaluates to true.
type HitRule struct {
	Name  string `yaml:"name"`
	When  string `yaml:"when"`
	Class string `yaml:"class"` // TERRAIN, BLOCK, IGNORE, INCOMPATIBLE
}

var ruleClasses = map[string]struct{}{
	"TERRAIN":      {},
	"BLOCK":        {},
	"IGNORE":       {},
	"INCOMPATIBLE": {},
}

func Defaults() Tuning {
	return Tuning{
		MaxProbeDistance:        40000,
		ProbeHalfExtent:         [3]float64{10, 10, 10},
		MinHitDistance:          1,
		BurialMin:               BurialFloor,
		BurialMax:               BurialCeiling,
		FitTolerance:            0.01,
		OverlapTolerance:        1,
		HandlePositionTolerance: 1,
		RediscoveryMargin:       50,
		AllowSharedDepot:        true,
		PreferOwnStockFirst:     true,
		HitRules: HitRules{
			TerrainTags: []string{"LANDSCAPE"},
			IgnoreTags:  []string{"WATER", "AUTOSUPPORT_IGNORE"},
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	d := Defaults()
	if t.MaxProbeDistance <= 0 {
		t.MaxProbeDistance = d.MaxProbeDistance
	}
	for i := range t.ProbeHalfExtent {
		if t.ProbeHalfExtent[i] <= 0 {
			t.ProbeHalfExtent[i] = d.ProbeHalfExtent[i]
		}
	}
	if t.MinHitDistance < 0 {
		t.MinHitDistance = 0
	}
	t.BurialMin = mathx.Clamp(t.BurialMin, BurialFloor, BurialCeiling)
	t.BurialMax = mathx.Clamp(t.BurialMax, BurialFloor, BurialCeiling)
	if t.BurialMin > t.BurialMax {
		t.BurialMin, t.BurialMax = t.BurialMax, t.BurialMin
	}
	if t.FitTolerance < 0 {
		t.FitTolerance = 0
	}
	if t.OverlapTolerance <= 0 {
		t.OverlapTolerance = d.OverlapTolerance
	}
	if t.HandlePositionTolerance <= 0 {
		t.HandlePositionTolerance = d.HandlePositionTolerance
	}
	if t.RediscoveryMargin < 0 {
		t.RediscoveryMargin = 0
	}
}

func (t Tuning) Validate() error {
	for i, r := range t.HitRules.Rules {
		if r.When == "" {
			return fmt.Errorf("hit_rules.rules[%d]: empty when", i)
		}
		if _, ok := ruleClasses[r.Class]; !ok {
			return fmt.Errorf("hit_rules.rules[%d]: unknown class %q", i, r.Class)
		}
	}
	return nil
}

// ClampBurial limits a configured burial fraction to the tuned bounds.
func (t Tuning) ClampBurial(p float64) float64 {
	return mathx.Clamp(p, t.BurialMin, t.BurialMax)
}

// Source supplies the current tunables. Callers fetch it on every planning call.
type Source func() Tuning

func Static(t Tuning) Source {
	t.Normalize()
	return func() Tuning { return t }
}

// FileSource re-reads path whenever its modification time changes. Load errors keep the
// last good value.
type FileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	cur     Tuning
	lastErr error
}

func NewFileSource(path string) (*FileSource, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	fs := &FileSource{path: path, cur: t}
	if st, err := os.Stat(path); err == nil {
		fs.modTime = st.ModTime()
	}
	return fs, nil
}

func (fs *FileSource) Tuning() Tuning {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, err := os.Stat(fs.path)
	if err != nil || !st.ModTime().After(fs.modTime) {
		return fs.cur
	}
	t, err := Load(fs.path)
	if err != nil {
		fs.lastErr = err
		return fs.cur
	}
	fs.cur = t
	fs.modTime = st.ModTime()
	fs.lastErr = nil
	return fs.cur
}

func (fs *FileSource) Err() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastErr
}

// Source adapts the file source to the Source signature.
func (fs *FileSource) Source() Source { return fs.Tuning }
