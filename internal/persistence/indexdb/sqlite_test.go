package indexdb

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/tuning"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqAudit, audit: autosupport.AuditEntry{Tick: 1}}

	_ = s.WriteAudit(autosupport.AuditEntry{Tick: 2})
	s.RecordSave("/tmp/2.snap.zst", snapshot.Header{Tick: 2})

	st := s.Stats()
	if st.DropAuditTotal != 1 {
		t.Fatalf("drop audit=%d want 1", st.DropAuditTotal)
	}
	if st.DropSaveTotal != 1 {
		t.Fatalf("drop save=%d want 1", st.DropSaveTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue depth=%d cap=%d want 1/1", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_GroupingLifecycle(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "world.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	entries := []autosupport.AuditEntry{
		{
			Tick: 3, Actor: "alice", Action: autosupport.AuditBuild,
			Building: "B1", Grouping: "g-1", Members: 5,
			Min: [3]float64{-10, -1390, -10}, Max: [3]float64{10, 0, 10},
			Cost: map[string]int{"CONCRETE": 5},
		},
		{
			Tick: 3, Actor: "bob", Action: autosupport.AuditBuild,
			Building: "B2", Grouping: "g-2", Members: 2,
			Cost: map[string]int{"CONCRETE": 2},
		},
		{Tick: 4, Actor: "bob", Action: autosupport.AuditRefused, Building: "B3", Reason: "E_NOT_ENOUGH_ROOM"},
		{Tick: 9, Actor: "alice", Action: autosupport.AuditDestroyed, Grouping: "g-1", Reason: "dismantled"},
	}
	for _, e := range entries {
		if err := idx.WriteAudit(e); err != nil {
			t.Fatalf("write %s: %v", e.Action, err)
		}
	}
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	all, err := idx.Groupings(ctx, false)
	if err != nil {
		t.Fatalf("groupings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("groupings=%d want 2", len(all))
	}
	g := all[0]
	if g.ID != "g-1" || g.Owner != "alice" || g.Members != 5 {
		t.Fatalf("unexpected first grouping: %+v", g)
	}
	if g.Min[1] != -1390 {
		t.Fatalf("min y=%v want -1390", g.Min[1])
	}
	if want := map[string]int{"CONCRETE": 5}; !reflect.DeepEqual(g.Cost, want) {
		t.Fatalf("cost=%v want %v", g.Cost, want)
	}
	if g.Live() || g.DestroyedTick != 9 || g.DestroyCause != "dismantled" {
		t.Fatalf("expected g-1 destroyed at tick 9 by dismantle: %+v", g)
	}

	live, err := idx.Groupings(ctx, true)
	if err != nil {
		t.Fatalf("live groupings: %v", err)
	}
	if len(live) != 1 || live[0].ID != "g-2" {
		t.Fatalf("live=%+v want only g-2", live)
	}

	counts, err := idx.AuditCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := map[string]int{
		autosupport.AuditBuild:     2,
		autosupport.AuditRefused:   1,
		autosupport.AuditDestroyed: 1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Fatalf("counts=%v want %v", counts, want)
	}
}

func TestSQLiteIndex_RecordSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.RecordSave("/data/snapshots/120.snap.zst", snapshot.Header{Version: 1, WorldID: "w1", Tick: 120, Buildings: 2, Groupings: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer db.Close()

	var (
		p         string
		world     string
		buildings int
		groupings int
	)
	if err := db.QueryRow(`SELECT path, world_id, buildings, groupings FROM saves WHERE tick=120`).
		Scan(&p, &world, &buildings, &groupings); err != nil {
		t.Fatalf("query: %v", err)
	}
	if p != "/data/snapshots/120.snap.zst" || world != "w1" || buildings != 2 || groupings != 1 {
		t.Fatalf("row: path=%q world=%q buildings=%d groupings=%d", p, world, buildings, groupings)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	if err := idx.UpsertCatalogs("../../../configs", cats, tuning.Defaults()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx := context.Background()
	d, err := idx.CatalogDigest(ctx, "parts")
	if err != nil {
		t.Fatalf("parts digest: %v", err)
	}
	if d != cats.Parts.Digest {
		t.Fatalf("parts digest=%q want %q", d, cats.Parts.Digest)
	}

	d, err = idx.CatalogDigest(ctx, "tuning")
	if err != nil {
		t.Fatalf("tuning digest: %v", err)
	}
	if len(d) != 64 {
		t.Fatalf("tuning digest=%q want 64 hex chars", d)
	}

	d, err = idx.CatalogDigest(ctx, "missing")
	if err != nil {
		t.Fatalf("missing digest: %v", err)
	}
	if d != "" {
		t.Fatalf("missing digest=%q want empty", d)
	}
}
