package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/autosupport/payment"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host/memscene"
	"autosupport.dev/internal/sim/tuning"
)

func loadDemo(t *testing.T) (Layout, *catalogs.Catalogs) {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	require.NoError(t, err)
	l, err := LoadLayout("../../configs/layout.yaml")
	require.NoError(t, err)
	return l, cats
}

func demoService(t *testing.T, scene *memscene.Scene, cats *catalogs.Catalogs) *autosupport.Service {
	t.Helper()
	src, err := tuning.NewFileSource("../../configs/tuning.yaml")
	require.NoError(t, err)
	svc, err := autosupport.New(autosupport.Config{
		Catalog:      cats,
		Tuning:       src.Source(),
		Scene:        scene,
		Spawner:      scene,
		Lightweights: scene,
		Finder:       scene,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	scene.OnRemoved(svc.HandleRemoval)
	return svc
}

func TestLoadLayout(t *testing.T) {
	l, _ := loadDemo(t)
	require.Len(t, l.Buildings, 3)
	assert.Equal(t, "F1", l.Buildings[0].ID)
	assert.Equal(t, "PILLAR_BASE", l.Buildings[0].Start.Descriptor)
	assert.Equal(t, 200, l.Actors["alice"].Inventory["CONCRETE"])
	assert.True(t, l.Actors["admin"].FreeBuild)
	assert.True(t, l.Actors["bob"].NoDepot)
	assert.Equal(t, 500, l.Depot["CONCRETE"])
}

func TestLoadLayout_Missing(t *testing.T) {
	_, err := LoadLayout(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildingDef_Conversion(t *testing.T) {
	_, cats := loadDemo(t)

	bd := BuildingDef{
		ID:        "B",
		Part:      "FOUNDATION_1M",
		Pos:       [3]float64{100, 0, -100},
		Direction: "BOTTOM",
		Start:     PartDef{Descriptor: "PILLAR_BASE"},
		End:       PartDef{Descriptor: "PILLAR_BASE", Orientation: "BOTTOM"},
		Burial:    0.25,
	}
	b, err := bd.building(cats)
	require.NoError(t, err)
	assert.Equal(t, "Build_Foundation_8x1_C", b.Class)
	assert.Equal(t, geom.Bottom, b.Config.Direction)
	assert.Equal(t, geom.Top, b.Config.Start.Orientation)
	assert.Equal(t, geom.Bottom, b.Config.End.Orientation)
	assert.Empty(t, b.Config.Middle.Descriptor)
	assert.InDelta(t, 100, b.Transform.Location[0], 1e-9)

	bd.Part = "NOPE"
	_, err = bd.building(cats)
	assert.ErrorContains(t, err, "unknown part")

	bd.Part = "FOUNDATION_1M"
	bd.Direction = "SIDEWAYS"
	_, err = bd.building(cats)
	assert.Error(t, err)
}

func TestSpawnBuildings_BuildAndRestore(t *testing.T) {
	l, cats := loadDemo(t)
	ctx := context.Background()

	scene := memscene.New()
	l.Populate(scene)
	svc := demoService(t, scene, cats)
	require.NoError(t, l.SpawnBuildings(ctx, scene, svc, cats))
	require.Len(t, svc.Buildings(), 3)

	b, ok := svc.Building("F1")
	require.True(t, ok)
	assert.NotZero(t, b.Object)

	wallets := NewWallets(l)
	proxy, p, err := svc.Build(ctx, "F1", wallets.Consumer("alice"))
	require.NoError(t, err)
	require.True(t, p.Actionable())
	assert.NotZero(t, p.Cost["CONCRETE"])

	st := svc.Export()
	require.Len(t, st.Groupings, 1)
	assert.Equal(t, proxy.ID().String(), st.Groupings[0].ID)

	scene2 := memscene.New()
	l.Populate(scene2)
	n, err := RestoreScene(ctx, scene2, &st, cats)
	require.NoError(t, err)
	assert.Equal(t, len(st.Buildings)+len(st.Groupings[0].Members), n)
	for _, bv := range st.Buildings {
		assert.NotZero(t, bv.ObjectID)
	}

	svc2 := demoService(t, scene2, cats)
	require.NoError(t, svc2.Import(ctx, st))
	assert.Len(t, svc2.Buildings(), 3)
	assert.Len(t, svc2.Export().Groupings, 1)
}

func TestWallets(t *testing.T) {
	l, _ := loadDemo(t)
	w := NewWallets(l)

	assert.Equal(t, []string{"admin", "alice", "bob"}, w.Actors())

	alice := w.Consumer("alice")
	assert.Equal(t, "alice", alice.ID)
	assert.Equal(t, 200, alice.Own.Count("CONCRETE"))
	require.NotNil(t, alice.Depot)
	assert.Equal(t, 500, alice.Depot.Count("CONCRETE"))

	bob := w.Consumer("bob")
	assert.Nil(t, bob.Depot)

	assert.True(t, w.Consumer("admin").FreeBuild)

	// Unknown actors get a fresh stock that persists between calls.
	eve := w.Consumer("eve")
	eve.Own.(payment.Inventory).Add("CONCRETE", 3)
	assert.Equal(t, 3, w.Consumer("eve").Own.Count("CONCRETE"))
	assert.Contains(t, w.Actors(), "eve")
}
