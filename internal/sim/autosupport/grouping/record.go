package grouping

import (
	"fmt"

	"github.com/google/uuid"

	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/geom"
)

// Record is the saved form of a grouping.
type Record struct {
	ID      string
	Owner   string
	Anchor  Pose
	Bounds  [2][3]float64
	Cost    map[string]int
	Members []MemberRecord
}

type MemberRecord struct {
	Key  handle.Key
	Kind handle.Kind
}

// Pose is a gob-friendly transform.
type Pose struct {
	Location [3]float64
	Rotation [4]float64 // w, x, y, z
}

func PoseOf(t geom.Transform) Pose {
	return Pose{
		Location: t.Location,
		Rotation: [4]float64{t.Rotation.W, t.Rotation.V[0], t.Rotation.V[1], t.Rotation.V[2]},
	}
}

func (p Pose) Transform() geom.Transform {
	t := geom.Identity()
	t.Location = p.Location
	if p.Rotation != ([4]float64{}) {
		t.Rotation.W = p.Rotation[0]
		t.Rotation.V = [3]float64{p.Rotation[1], p.Rotation[2], p.Rotation[3]}
	}
	return t
}

func (r Record) uuid() (uuid.UUID, error) {
	if r.ID == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("grouping record id %q: %w", r.ID, err)
	}
	return id, nil
}

// Record captures the proxy for saving.
func (p *Proxy) Record() Record {
	rec := Record{
		ID:     p.id.String(),
		Owner:  p.owner,
		Anchor: PoseOf(p.anchor),
		Bounds: [2][3]float64{p.bounds.Min(), p.bounds.Max()},
		Cost:   p.Cost(),
	}
	for _, h := range p.handles {
		rec.Members = append(rec.Members, MemberRecord{Key: h.Key(), Kind: h.Kind()})
	}
	return rec
}
