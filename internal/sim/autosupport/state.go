package autosupport

import (
	"context"
	"fmt"

	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

// Export captures building configs and groupings for a save.
func (s *Service) Export() snapshot.StateV1 {
	st := snapshot.StateV1{
		Header: snapshot.Header{Version: snapshot.Version, WorldID: s.worldID, Tick: s.tick},
	}
	for _, b := range s.Buildings() {
		st.Buildings = append(st.Buildings, buildingV1(b))
	}
	for _, p := range s.groups.Groupings() {
		st.Groupings = append(st.Groupings, groupingV1(p.Record()))
	}
	st.Normalize()
	return st
}

// Import loads a save into an empty service. Descriptors the catalog no longer knows are
// dropped from the configs. Every restored grouping starts a rediscovery probe; its members
// rebind once the probe completes on a later Tick.
func (s *Service) Import(ctx context.Context, st snapshot.StateV1) error {
	if st.Header.Version != snapshot.Version {
		return fmt.Errorf("autosupport: unsupported state version %d", st.Header.Version)
	}
	if len(s.buildings) > 0 || s.groups.Len() > 0 {
		return fmt.Errorf("autosupport: import into a non-empty service")
	}
	for _, bv := range st.Buildings {
		b, err := s.buildingFromV1(bv)
		if err != nil {
			s.log.Printf("import: skipping building %s: %v", bv.ID, err)
			continue
		}
		if err := s.AddBuilding(b); err != nil {
			s.log.Printf("import: %v", err)
		}
	}
	for _, gv := range st.Groupings {
		p, err := s.groups.Restore(recordFromV1(gv))
		if err != nil {
			s.log.Printf("import: skipping grouping %s: %v", gv.ID, err)
			continue
		}
		s.groups.StartRediscovery(ctx, p)
	}
	s.tick = st.Header.Tick
	return nil
}

func buildingV1(b Building) snapshot.BuildingV1 {
	pose := grouping.PoseOf(b.Transform)
	return snapshot.BuildingV1{
		ID:          b.ID,
		Class:       b.Class,
		Pos:         pose.Location,
		Rot:         pose.Rotation,
		Bounds:      geom.BoxToArray(b.Bounds),
		ObjectID:    uint64(b.Object),
		Direction:   b.Config.Direction.String(),
		Start:       partV1(b.Config.Start),
		Middle:      partV1(b.Config.Middle),
		End:         partV1(b.Config.End),
		Burial:      b.Config.Burial,
		TerrainOnly: b.Config.TerrainOnly,
	}
}

func partV1(pc plan.PartConfig) snapshot.PartV1 {
	if pc.Descriptor == "" {
		return snapshot.PartV1{}
	}
	out := snapshot.PartV1{Descriptor: pc.Descriptor, Orientation: pc.Orientation.String()}
	if len(pc.Customization) > 0 {
		out.Customization = make(map[string]string, len(pc.Customization))
		for k, v := range pc.Customization {
			out.Customization[k] = v
		}
	}
	return out
}

func (s *Service) buildingFromV1(bv snapshot.BuildingV1) (Building, error) {
	dir, err := geom.ParseDirection(bv.Direction)
	if err != nil {
		return Building{}, err
	}
	b := Building{
		ID:        bv.ID,
		Class:     bv.Class,
		Transform: grouping.Pose{Location: bv.Pos, Rotation: bv.Rot}.Transform(),
		Bounds:    geom.BoxFromArray(bv.Bounds),
		Object:    host.ObjectID(bv.ObjectID),
		Config: BuildConfig{
			Direction:   dir,
			Burial:      bv.Burial,
			TerrainOnly: bv.TerrainOnly,
		},
	}
	b.Config.Start = s.partFromV1(bv.ID, "start", bv.Start)
	b.Config.Middle = s.partFromV1(bv.ID, "middle", bv.Middle)
	b.Config.End = s.partFromV1(bv.ID, "end", bv.End)
	return b, nil
}

func (s *Service) partFromV1(building, role string, pv snapshot.PartV1) plan.PartConfig {
	if pv.Descriptor == "" {
		return plan.PartConfig{}
	}
	if _, ok := s.catalog.Part(pv.Descriptor); !ok {
		s.log.Printf("import: building %s: pruning unknown %s part %q", building, role, pv.Descriptor)
		return plan.PartConfig{}
	}
	pc := plan.PartConfig{Descriptor: pv.Descriptor}
	if pv.Orientation != "" {
		o, err := geom.ParseDirection(pv.Orientation)
		if err != nil {
			s.log.Printf("import: building %s: %s part orientation: %v", building, role, err)
		} else {
			pc.Orientation = o
		}
	}
	if len(pv.Customization) > 0 {
		pc.Customization = host.Customization{}
		for k, v := range pv.Customization {
			pc.Customization[k] = v
		}
	}
	return pc
}

func groupingV1(rec grouping.Record) snapshot.GroupingV1 {
	out := snapshot.GroupingV1{
		ID:        rec.ID,
		Owner:     rec.Owner,
		AnchorPos: rec.Anchor.Location,
		AnchorRot: rec.Anchor.Rotation,
		Bounds:    rec.Bounds,
		Cost:      rec.Cost,
	}
	for _, m := range rec.Members {
		out.Members = append(out.Members, snapshot.MemberV1{
			Class:       m.Key.Class,
			Pos:         m.Key.Pos,
			Rot:         m.Key.Rot,
			Lightweight: m.Kind == handle.KindLightweight,
		})
	}
	return out
}

func recordFromV1(gv snapshot.GroupingV1) grouping.Record {
	rec := grouping.Record{
		ID:     gv.ID,
		Owner:  gv.Owner,
		Anchor: grouping.Pose{Location: gv.AnchorPos, Rotation: gv.AnchorRot},
		Bounds: gv.Bounds,
		Cost:   gv.Cost,
	}
	for _, m := range gv.Members {
		kind := handle.KindObject
		if m.Lightweight {
			kind = handle.KindLightweight
		}
		rec.Members = append(rec.Members, grouping.MemberRecord{
			Key:  handle.Key{Class: m.Class, Pos: m.Pos, Rot: m.Rot},
			Kind: kind,
		})
	}
	return rec
}
