// Package autosupport is the world-scoped entry point of the support builder: it keeps the
// per-building configuration and runs trace, plan, payment and materialization for a build.
package autosupport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/google/uuid"

	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/handle"
	"autosupport.dev/internal/sim/autosupport/materialize"
	"autosupport.dev/internal/sim/autosupport/payment"
	"autosupport.dev/internal/sim/autosupport/placement"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/autosupport/reason"
	"autosupport.dev/internal/sim/autosupport/trace"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/tuning"
)

var (
	ErrUnknownBuilding   = errors.New("unknown building")
	ErrDuplicateBuilding = errors.New("building already registered")
	ErrUnknownGrouping   = errors.New("unknown grouping")
	ErrNotActionable     = materialize.ErrNotActionable
)

type Config struct {
	Logger *log.Logger
	// WorldID selects the shared per-world grouping subsystem. Empty gives the service a
	// private one.
	WorldID string

	Catalog plan.Catalog
	Tuning  tuning.Source

	Scene        host.Scene
	Spawner      host.Spawner
	Lightweights host.Lightweights
	Finder       host.Finder
	UI           host.ToolUI

	Audit AuditLogger
}

type Service struct {
	log     *log.Logger
	worldID string
	catalog plan.Catalog
	tuning  tuning.Source
	audit   AuditLogger

	groups    *grouping.Subsystem
	tracer    *trace.Engine
	assembler *plan.Assembler
	mat       *materialize.Materializer

	buildings map[string]*Building
	tick      uint64
}

func New(cfg Config) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("autosupport: catalog is required")
	}
	if cfg.Scene == nil || cfg.Spawner == nil {
		return nil, fmt.Errorf("autosupport: scene and spawner are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Tuning == nil {
		cfg.Tuning = tuning.Static(tuning.Defaults())
	}

	gcfg := grouping.Config{
		Logger:       cfg.Logger,
		Tuning:       cfg.Tuning,
		Spawner:      cfg.Spawner,
		Lightweights: cfg.Lightweights,
		Finder:       cfg.Finder,
		UI:           cfg.UI,
	}
	var groups *grouping.Subsystem
	if cfg.WorldID != "" {
		groups = grouping.ForWorld(cfg.WorldID, gcfg)
	} else {
		groups = grouping.NewSubsystem(gcfg)
	}

	s := &Service{
		log:       cfg.Logger,
		worldID:   cfg.WorldID,
		catalog:   cfg.Catalog,
		tuning:    cfg.Tuning,
		audit:     cfg.Audit,
		groups:    groups,
		tracer:    trace.NewEngine(cfg.Scene, cfg.Tuning),
		assembler: plan.NewAssembler(cfg.Catalog, cfg.Tuning),
		mat:       materialize.New(cfg.Logger, cfg.Spawner, cfg.Lightweights, groups),
		buildings: map[string]*Building{},
	}
	groups.OnDestroyed(func(p *grouping.Proxy, cause string) {
		b := p.Bounds()
		s.writeAudit(AuditEntry{
			Actor:    p.Owner(),
			Action:   AuditDestroyed,
			Grouping: p.ID().String(),
			Min:      b.Min(),
			Max:      b.Max(),
			Reason:   cause,
		})
	})
	return s, nil
}

// Close releases the world's grouping subsystem.
func (s *Service) Close() {
	if s.worldID != "" {
		grouping.ReleaseWorld(s.worldID)
	}
}

func (s *Service) Groups() *grouping.Subsystem { return s.groups }

func (s *Service) CurrentTick() uint64 { return s.tick }

// Tick advances the service clock and applies queued probe completions and removals.
func (s *Service) Tick() int {
	s.tick++
	return s.groups.Flush()
}

func (s *Service) writeAudit(e AuditEntry) {
	if s.audit == nil {
		return
	}
	e.Tick = s.tick
	if err := s.audit.WriteAudit(e); err != nil {
		s.log.Printf("audit %s: %v", e.Action, err)
	}
}

func (s *Service) AddBuilding(b Building) error {
	if b.ID == "" {
		return fmt.Errorf("autosupport: building id is required")
	}
	if _, dup := s.buildings[b.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateBuilding, b.ID)
	}
	if b.Transform.Rotation.Len() == 0 {
		b.Transform.Rotation = geom.Identity().Rotation
	}
	cp := b
	s.buildings[b.ID] = &cp
	return nil
}

func (s *Service) RemoveBuilding(id string) bool {
	if _, ok := s.buildings[id]; !ok {
		return false
	}
	delete(s.buildings, id)
	return true
}

func (s *Service) Building(id string) (Building, bool) {
	b, ok := s.buildings[id]
	if !ok {
		return Building{}, false
	}
	return *b, true
}

// Buildings returns every building sorted by id.
func (s *Service) Buildings() []Building {
	out := make([]Building, 0, len(s.buildings))
	for _, b := range s.buildings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) SetConfig(id string, cfg BuildConfig) error {
	b, ok := s.buildings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuilding, id)
	}
	b.Config = cfg
	return nil
}

func (s *Service) Config(id string) (BuildConfig, error) {
	b, ok := s.buildings[id]
	if !ok {
		return BuildConfig{}, fmt.Errorf("%w: %s", ErrUnknownBuilding, id)
	}
	return b.Config, nil
}

// Plan traces from the building and assembles a plan. It has no side effects and can be
// repeated as often as the caller likes.
func (s *Service) Plan(ctx context.Context, id string) (*plan.Plan, error) {
	b, ok := s.buildings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuilding, id)
	}
	cfg := b.Config

	req := trace.Request{
		Building:    b.Transform,
		Bounds:      b.Bounds,
		Direction:   cfg.Direction,
		TerrainOnly: cfg.TerrainOnly,
		EndExtent:   s.endExtent(cfg),
		Burial:      cfg.Burial,
	}
	if b.Object != 0 {
		req.Ignore = []host.ObjectID{b.Object}
	}
	tr, err := s.tracer.Trace(ctx, req)
	if err != nil {
		return nil, err
	}
	p := s.assembler.Assemble(tr, cfg.Direction, cfg.Start, cfg.Middle, cfg.End)
	s.rejectOwnedSlots(p)
	return p, nil
}

// rejectOwnedSlots disqualifies a plan that would place a part exactly where a member of a
// live grouping already sits. Such a part could never be linked to the new grouping.
func (s *Service) rejectOwnedSlots(p *plan.Plan) {
	for _, slot := range p.Layout() {
		if owner, ok := s.groups.Lookup(handle.KeyOf(slot.Spec.Def.Class, slot.World)); ok {
			s.log.Printf("plan %s slot at %.0f is owned by grouping %s", slot.Spec.Descriptor, slot.Offset, owner.ID())
			p.Disqualify(reason.IntersectingStructure)
			return
		}
	}
}

func (s *Service) endExtent(cfg BuildConfig) float64 {
	if cfg.End.Descriptor == "" {
		return 0
	}
	def, ok := s.catalog.Part(cfg.End.Descriptor)
	if !ok {
		return 0
	}
	return placement.Seat(geom.BoxFromArray(def.Bounds), cfg.End.Orientation, cfg.Direction).Consumed
}

// Preview plans and lists the placements without touching the world.
func (s *Service) Preview(ctx context.Context, id string) ([]materialize.Placement, *plan.Plan, error) {
	p, err := s.Plan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return materialize.Preview(p), p, nil
}

// Build plans, charges the consumer and places the chain. A refused plan is returned along
// with an error wrapping ErrNotActionable. Nothing is debited unless the whole bill is
// covered, and a failed placement puts every draw back where it came from.
func (s *Service) Build(ctx context.Context, id string, c payment.Consumer) (*grouping.Proxy, *plan.Plan, error) {
	p, err := s.Plan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !p.Actionable() {
		code := ""
		if len(p.Disqualifiers) > 0 {
			code = string(p.Disqualifiers[0])
		}
		s.writeAudit(AuditEntry{Actor: c.ID, Action: AuditRefused, Building: id, Reason: code})
		return nil, p, fmt.Errorf("%w: %s", ErrNotActionable, code)
	}

	tu := s.tuning()
	opts := payment.Options{AllowSharedDepot: tu.AllowSharedDepot, PreferOwnStockFirst: tu.PreferOwnStockFirst}
	receipt, err := payment.PayIfAffordable(c, p.Cost, opts)
	if err != nil {
		s.writeAudit(AuditEntry{Actor: c.ID, Action: AuditRefused, Building: id, Cost: p.Cost, Reason: "E_INSUFFICIENT_MATERIALS"})
		return nil, p, err
	}

	proxy, err := s.mat.Materialize(ctx, p, c.ID)
	if err != nil {
		receipt.Reverse(c)
		s.log.Printf("build %s for %s failed, refunded: %v", id, c.ID, err)
		return nil, p, err
	}

	bb := proxy.Bounds()
	s.writeAudit(AuditEntry{
		Actor:    c.ID,
		Action:   AuditBuild,
		Building: id,
		Grouping: proxy.ID().String(),
		Members:  proxy.Len(),
		Min:      bb.Min(),
		Max:      bb.Max(),
		Cost:     p.Cost,
	})
	return proxy, p, nil
}

func (s *Service) Grouping(id string) (*grouping.Proxy, error) {
	gid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrouping, id)
	}
	p, ok := s.groups.Get(gid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrouping, id)
	}
	return p, nil
}

// GroupingOf finds the grouping that owns the object of class at tr.
func (s *Service) GroupingOf(class string, tr geom.Transform) (*grouping.Proxy, bool) {
	return s.groups.Lookup(handle.KeyOf(class, tr))
}

// Inspect materializes a grouping's members so the dismantle tool can target them.
func (s *Service) Inspect(ctx context.Context, groupingID string) error {
	p, err := s.Grouping(groupingID)
	if err != nil {
		return err
	}
	return p.EnsureMembersAvailable(ctx)
}

// Dismantle removes every member of a grouping and refunds its recorded cost.
func (s *Service) Dismantle(ctx context.Context, groupingID string, c payment.Consumer) error {
	p, err := s.Grouping(groupingID)
	if err != nil {
		return err
	}
	if err := p.EnsureMembersAvailable(ctx); err != nil {
		if errors.Is(err, grouping.ErrDestroyed) {
			return fmt.Errorf("%w: %s has no members left", ErrUnknownGrouping, groupingID)
		}
		return err
	}
	cost := p.Cost()
	members := p.Len()
	bb := p.Bounds()
	if err := p.Dismantle(ctx); err != nil {
		return err
	}
	payment.Refund(c, cost)
	s.writeAudit(AuditEntry{
		Actor:    c.ID,
		Action:   AuditDismantle,
		Grouping: groupingID,
		Members:  members,
		Min:      bb.Min(),
		Max:      bb.Max(),
		Cost:     cost,
	})
	return nil
}

// SetToolState forwards a build tool change to every grouping. Leaving dismantle mode
// releases the temporaries the inspection spawned.
func (s *Service) SetToolState(ts host.ToolState) {
	prev := s.groups.ToolState()
	s.groups.SetToolState(ts)
	wasDismantling := prev.Equipped && prev.Mode == host.ToolModeDismantle
	dismantling := ts.Equipped && ts.Mode == host.ToolModeDismantle
	if wasDismantling && !dismantling {
		actor := ts.Actor
		if actor == "" {
			actor = prev.Actor
		}
		for _, p := range s.groups.Groupings() {
			p.ReleaseTemporaries(actor)
		}
	}
}

// HandleRemoval queues a removal reported by the host. It is applied on the next Tick.
func (s *Service) HandleRemoval(r host.Removal) {
	s.groups.HandleRemoval(r)
}
