package autosupport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/payment"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/autosupport/reason"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/host/memscene"
)

func column(h float64) [2][3]float64 {
	return [2][3]float64{{-50, 0, -50}, {50, h, 50}}
}

var testCatalog = &catalogs.Catalogs{
	Parts: catalogs.PartCatalog{ByID: map[string]catalogs.PartDef{
		"BASE": {ID: "BASE", Class: "Build_Base", Bounds: column(100), Recipe: "R"},
		"MID":  {ID: "MID", Class: "Build_Mid", Bounds: column(400), Recipe: "R", Lightweight: true},
		"FOOT": {ID: "FOOT", Class: "Build_Foot", Bounds: column(100), Recipe: "R"},
	}},
	Recipes: catalogs.RecipeCatalog{ByID: map[string]catalogs.RecipeDef{
		"R": {RecipeID: "R", Inputs: []catalogs.ItemCount{{Item: "CONCRETE", Count: 1}}},
	}},
}

type auditLog struct {
	entries []AuditEntry
}

func (a *auditLog) WriteAudit(e AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditLog) actions() []string {
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func part(id string) plan.PartConfig {
	return plan.PartConfig{Descriptor: id, Orientation: geom.Top}
}

func chainConfig() BuildConfig {
	return BuildConfig{Direction: geom.Bottom, Start: part("BASE"), Middle: part("MID"), End: part("FOOT")}
}

// newScene has flat ground whose top face is 1300 below the origin.
func newScene() *memscene.Scene {
	scene := memscene.New()
	scene.AddCollider(memscene.Collider{
		Kind:     host.KindLandscape,
		Class:    "Landscape",
		Blocking: true,
		Bounds:   geom.Box(mgl64.Vec3{-2000, -1400, -2000}, mgl64.Vec3{2000, -1300, 2000}),
	})
	return scene
}

func newService(t *testing.T, scene *memscene.Scene) (*Service, *auditLog) {
	t.Helper()
	audit := &auditLog{}
	svc, err := New(Config{
		Catalog:      testCatalog,
		Scene:        scene,
		Spawner:      scene,
		Lightweights: scene,
		Finder:       scene,
		Audit:        audit,
	})
	require.NoError(t, err)
	scene.OnRemoved(svc.HandleRemoval)
	return svc, audit
}

func addBuilding(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.AddBuilding(Building{
		ID:        "B1",
		Class:     "Build_Foundation",
		Transform: geom.Identity(),
		Bounds:    geom.BoxFromArray(column(100)),
		Config:    chainConfig(),
	}))
}

func consumer(inv payment.Inventory) payment.Consumer {
	return payment.Consumer{ID: "alice", Own: inv}
}

func TestPlanIsSideEffectFree(t *testing.T) {
	scene := newScene()
	svc, audit := newService(t, scene)
	addBuilding(t, svc)

	ctx := context.Background()
	p1, err := svc.Plan(ctx, "B1")
	require.NoError(t, err)
	p2, err := svc.Plan(ctx, "B1")
	require.NoError(t, err)

	require.True(t, p1.Actionable())
	assert.InDelta(t, 1390, p1.Distance, 1e-6)
	assert.Equal(t, 1, p1.Start.Count)
	assert.Equal(t, 3, p1.Middle.Count)
	assert.Equal(t, 1, p1.End.Count)
	assert.Equal(t, p1.Cost, p2.Cost)
	assert.Equal(t, p1.PartCount(), p2.PartCount())

	objects, _, instances := scene.Stats()
	assert.Zero(t, objects)
	assert.Zero(t, instances)
	assert.Empty(t, audit.entries)
}

func TestPlanUnknownBuilding(t *testing.T) {
	svc, _ := newService(t, newScene())
	_, err := svc.Plan(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownBuilding)
	require.ErrorIs(t, svc.SetConfig("nope", chainConfig()), ErrUnknownBuilding)
}

func TestPreviewListsChain(t *testing.T) {
	scene := newScene()
	svc, _ := newService(t, scene)
	addBuilding(t, svc)

	parts, p, err := svc.Preview(context.Background(), "B1")
	require.NoError(t, err)
	require.Len(t, parts, p.PartCount())
	assert.Equal(t, "Build_Base", parts[0].Class)
	assert.Equal(t, "Build_Foot", parts[len(parts)-1].Class)

	objects, _, instances := scene.Stats()
	assert.Zero(t, objects+instances)
}

func TestBuildChargesAndPlaces(t *testing.T) {
	scene := newScene()
	svc, audit := newService(t, scene)
	addBuilding(t, svc)

	inv := payment.Inventory{"CONCRETE": 6}
	proxy, p, err := svc.Build(context.Background(), "B1", consumer(inv))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"CONCRETE": 5}, p.Cost)
	assert.Equal(t, 1, inv.Count("CONCRETE"))
	assert.Equal(t, 5, proxy.Len())
	assert.Equal(t, "alice", proxy.Owner())

	objects, _, instances := scene.Stats()
	assert.Equal(t, 2, objects)
	assert.Equal(t, 3, instances)

	require.Len(t, audit.entries, 1)
	e := audit.entries[0]
	assert.Equal(t, AuditBuild, e.Action)
	assert.Equal(t, proxy.ID().String(), e.Grouping)
	assert.Equal(t, "B1", e.Building)
	assert.Equal(t, 5, e.Members)

	got, ok := svc.GroupingOf("Build_Base", geom.At(mgl64.Vec3{0, 0, 0}, mgl64.QuatIdent()))
	require.True(t, ok)
	assert.Same(t, proxy, got)
}

func TestBuildWithoutMaterialsDebitsNothing(t *testing.T) {
	scene := newScene()
	svc, audit := newService(t, scene)
	addBuilding(t, svc)

	inv := payment.Inventory{"CONCRETE": 4}
	_, _, err := svc.Build(context.Background(), "B1", consumer(inv))
	require.ErrorIs(t, err, payment.ErrInsufficient)
	assert.Equal(t, 4, inv.Count("CONCRETE"))

	objects, _, instances := scene.Stats()
	assert.Zero(t, objects+instances)
	assert.Equal(t, []string{AuditRefused}, audit.actions())
}

func TestBuildRefusedByPawn(t *testing.T) {
	scene := newScene()
	scene.AddCollider(memscene.Collider{
		Kind:   host.KindPlayer,
		Class:  "Char_Player",
		Bounds: geom.Box(mgl64.Vec3{-30, -600, -30}, mgl64.Vec3{30, -400, 30}),
	})
	svc, audit := newService(t, scene)
	addBuilding(t, svc)

	inv := payment.Inventory{"CONCRETE": 10}
	_, p, err := svc.Build(context.Background(), "B1", consumer(inv))
	require.ErrorIs(t, err, ErrNotActionable)
	assert.Equal(t, []reason.Code{reason.EncroachingPlayer}, p.Disqualifiers)
	assert.Equal(t, 10, inv.Count("CONCRETE"))
	require.Len(t, audit.entries, 1)
	assert.Equal(t, string(reason.EncroachingPlayer), audit.entries[0].Reason)
}

func TestBuildOverOwnChainIsRefused(t *testing.T) {
	scene := newScene()
	svc, audit := newService(t, scene)
	require.NoError(t, svc.AddBuilding(Building{
		ID:        "B1",
		Class:     "Build_Foundation",
		Transform: geom.Identity(),
		Bounds:    geom.BoxFromArray(column(100)),
		Config:    BuildConfig{Direction: geom.Bottom, Middle: part("MID"), TerrainOnly: true},
	}))
	ctx := context.Background()

	inv := payment.Inventory{"CONCRETE": 20}
	first, p1, err := svc.Build(ctx, "B1", consumer(inv))
	require.NoError(t, err)
	left := inv.Count("CONCRETE")
	assert.Equal(t, 20-p1.Cost["CONCRETE"], left)

	// the existing pillars are not terrain, so the second trace lands on the same slots
	var p2 *plan.Plan
	require.NotPanics(t, func() { _, p2, err = svc.Build(ctx, "B1", consumer(inv)) })
	require.ErrorIs(t, err, ErrNotActionable)
	assert.Contains(t, p2.Disqualifiers, reason.IntersectingStructure)
	assert.Equal(t, left, inv.Count("CONCRETE"))
	assert.Equal(t, 1, svc.Groups().Len())
	assert.False(t, first.Destroyed())
	assert.Equal(t, []string{AuditBuild, AuditRefused}, audit.actions())
	assert.Equal(t, string(reason.IntersectingStructure), audit.entries[1].Reason)

	preview, _, err := svc.Preview(ctx, "B1")
	require.NoError(t, err)
	assert.Empty(t, preview)
}

func TestBuildFreeBuildSkipsPayment(t *testing.T) {
	svc, _ := newService(t, newScene())
	addBuilding(t, svc)

	c := payment.Consumer{ID: "admin", Own: payment.Inventory{}, FreeBuild: true}
	proxy, _, err := svc.Build(context.Background(), "B1", c)
	require.NoError(t, err)
	assert.Equal(t, 5, proxy.Len())
}

func TestBuildSpawnFailureRefunds(t *testing.T) {
	scene := newScene()
	scene.SpawnErr = map[string]error{"Build_Foot": errors.New("no room for foot")}
	svc, _ := newService(t, scene)
	addBuilding(t, svc)

	inv := payment.Inventory{"CONCRETE": 5}
	_, _, err := svc.Build(context.Background(), "B1", consumer(inv))
	require.Error(t, err)
	assert.Equal(t, 5, inv.Count("CONCRETE"))
	assert.Zero(t, svc.Groups().Len())

	// own stock covers two of five, the depot the rest
	own, depot := payment.Inventory{"CONCRETE": 2}, payment.Inventory{"CONCRETE": 10}
	_, _, err = svc.Build(context.Background(), "B1", payment.Consumer{ID: "alice", Own: own, Depot: depot})
	require.Error(t, err)
	assert.Equal(t, payment.Inventory{"CONCRETE": 2}, own)
	assert.Equal(t, payment.Inventory{"CONCRETE": 10}, depot)
	assert.Zero(t, svc.Groups().Len())
}

func TestDismantleRefundsAndClears(t *testing.T) {
	scene := newScene()
	svc, audit := newService(t, scene)
	addBuilding(t, svc)
	ctx := context.Background()

	inv := payment.Inventory{"CONCRETE": 5}
	proxy, _, err := svc.Build(ctx, "B1", consumer(inv))
	require.NoError(t, err)
	require.Zero(t, inv.Count("CONCRETE"))

	require.NoError(t, svc.Dismantle(ctx, proxy.ID().String(), consumer(inv)))
	assert.Equal(t, 5, inv.Count("CONCRETE"))
	assert.True(t, proxy.Destroyed())
	assert.Zero(t, svc.Groups().Len())

	objects, _, instances := scene.Stats()
	assert.Zero(t, objects)
	assert.Zero(t, instances)

	// removal notifications from the dismantle arrive after teardown
	svc.Tick()
	assert.Equal(t, []string{AuditBuild, AuditDestroyed, AuditDismantle}, audit.actions())
	assert.Equal(t, "dismantled", audit.entries[1].Reason)

	err = svc.Dismantle(ctx, proxy.ID().String(), consumer(inv))
	require.ErrorIs(t, err, ErrUnknownGrouping)
	assert.Equal(t, 5, inv.Count("CONCRETE"))
}

func TestExternalRemovalShrinksGrouping(t *testing.T) {
	scene := newScene()
	svc, _ := newService(t, scene)
	addBuilding(t, svc)
	ctx := context.Background()

	proxy, _, err := svc.Build(ctx, "B1", consumer(payment.Inventory{"CONCRETE": 5}))
	require.NoError(t, err)

	members := proxy.Members()
	foot := members[len(members)-1].MustObject()
	require.NoError(t, scene.Destroy(ctx, foot))
	assert.Equal(t, 5, proxy.Len(), "removals apply on the next tick")

	assert.Equal(t, 1, svc.Tick())
	assert.Equal(t, 4, proxy.Len())
	assert.False(t, proxy.Destroyed())
}

func TestToolStateReleasesTemporaries(t *testing.T) {
	scene := newScene()
	svc, _ := newService(t, scene)
	addBuilding(t, svc)
	ctx := context.Background()

	proxy, _, err := svc.Build(ctx, "B1", consumer(payment.Inventory{"CONCRETE": 5}))
	require.NoError(t, err)

	svc.SetToolState(host.ToolState{Equipped: true, Mode: host.ToolModeDismantle, Actor: "alice"})
	require.NoError(t, svc.Inspect(ctx, proxy.ID().String()))
	assert.True(t, proxy.AllLive())
	_, temps, _ := scene.Stats()
	assert.Equal(t, 3, temps)
	assert.Zero(t, scene.CleanupTemporaries(), "inspected temporaries are kept")

	svc.SetToolState(host.ToolState{Equipped: false, Actor: "alice"})
	assert.False(t, proxy.AllLive())
	assert.Equal(t, 3, scene.CleanupTemporaries())
}

func TestExportImportRediscovers(t *testing.T) {
	scene := newScene()
	svc, _ := newService(t, scene)
	addBuilding(t, svc)
	ctx := context.Background()

	proxy, _, err := svc.Build(ctx, "B1", consumer(payment.Inventory{"CONCRETE": 5}))
	require.NoError(t, err)
	id := proxy.ID().String()

	st := svc.Export()
	require.Len(t, st.Buildings, 1)
	require.Len(t, st.Groupings, 1)
	assert.Len(t, st.Groupings[0].Members, 5)

	// a reload renumbers the lightweight store
	scene.Reindex()

	loaded, _ := newService(t, scene)
	require.NoError(t, loaded.Import(ctx, st))
	cfg, err := loaded.Config("B1")
	require.NoError(t, err)
	assert.Equal(t, chainConfig(), cfg)

	restored, err := loaded.Grouping(id)
	require.NoError(t, err)
	assert.True(t, restored.RediscoveryInFlight())
	assert.ErrorIs(t, restored.EnsureMembersAvailable(ctx), grouping.ErrInFlight)

	require.Eventually(t, func() bool {
		loaded.Tick()
		return !restored.RediscoveryInFlight()
	}, 2*time.Second, 5*time.Millisecond)
	for _, h := range restored.Members() {
		assert.True(t, h.Resolvable(), h.Key().String())
	}

	inv := payment.Inventory{}
	require.NoError(t, loaded.Dismantle(ctx, id, consumer(inv)))
	assert.Equal(t, 5, inv.Count("CONCRETE"))
	objects, _, instances := scene.Stats()
	assert.Zero(t, objects)
	assert.Zero(t, instances)
}

func TestImportPrunesUnknownDescriptors(t *testing.T) {
	svc, _ := newService(t, newScene())
	st := snapshot.StateV1{
		Header: snapshot.Header{Version: snapshot.Version, Tick: 77},
		Buildings: []snapshot.BuildingV1{
			{
				ID:        "B1",
				Direction: "BOTTOM",
				Rot:       [4]float64{1, 0, 0, 0},
				Start:     snapshot.PartV1{Descriptor: "BASE", Orientation: "TOP"},
				End:       snapshot.PartV1{Descriptor: "RETIRED_FOOT", Orientation: "TOP"},
			},
			{ID: "B2", Direction: "SIDEWAYS"},
		},
	}
	require.NoError(t, svc.Import(context.Background(), st))

	cfg, err := svc.Config("B1")
	require.NoError(t, err)
	assert.Equal(t, part("BASE"), cfg.Start)
	assert.Equal(t, plan.PartConfig{}, cfg.End)

	_, ok := svc.Building("B2")
	assert.False(t, ok, "a building with an unreadable direction is skipped")
	assert.Equal(t, uint64(77), svc.CurrentTick())

	require.Error(t, svc.Import(context.Background(), st), "import needs an empty service")
}
