package plan

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosupport.dev/internal/sim/autosupport/reason"
	"autosupport.dev/internal/sim/autosupport/trace"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/tuning"
)

func column(h float64) [2][3]float64 {
	return [2][3]float64{{-50, 0, -50}, {50, h, 50}}
}

func testCatalog() *catalogs.Catalogs {
	return &catalogs.Catalogs{
		Parts: catalogs.PartCatalog{ByID: map[string]catalogs.PartDef{
			"START_120": {ID: "START_120", Class: "Build_Start", Bounds: column(120), Recipe: "R_START"},
			"MID_400":   {ID: "MID_400", Class: "Build_Mid", Bounds: column(400), Recipe: "R_MID", Lightweight: true},
			"MID_100":   {ID: "MID_100", Class: "Build_Mid", Bounds: column(100), Recipe: "R_MID", Lightweight: true},
			"END_100":   {ID: "END_100", Class: "Build_End", Bounds: column(100), Recipe: "R_END"},
			"END_400":   {ID: "END_400", Class: "Build_End", Bounds: column(400), Recipe: "R_END"},
			"FLAT":      {ID: "FLAT", Class: "Build_Flat", Bounds: [2][3]float64{{-50, 0, -50}, {50, 0, 50}}},
		}},
		Recipes: catalogs.RecipeCatalog{ByID: map[string]catalogs.RecipeDef{
			"R_START": {RecipeID: "R_START", Inputs: []catalogs.ItemCount{{Item: "IRON_PLATE", Count: 2}}},
			"R_MID":   {RecipeID: "R_MID", Inputs: []catalogs.ItemCount{{Item: "STEEL_PIPE", Count: 1}, {Item: "CONCRETE", Count: 2}}},
			"R_END":   {RecipeID: "R_END", Inputs: []catalogs.ItemCount{{Item: "CONCRETE", Count: 5}}},
		}},
	}
}

func part(id string) PartConfig {
	return PartConfig{Descriptor: id, Orientation: geom.Top}
}

func assemble(dist float64, start, middle, end PartConfig) *Plan {
	a := NewAssembler(testCatalog(), tuning.Static(tuning.Defaults()))
	return a.Assemble(trace.Result{Distance: dist, Start: geom.Identity()}, geom.Bottom, start, middle, end)
}

func TestExactMiddleFit(t *testing.T) {
	p := assemble(800, PartConfig{}, part("MID_400"), PartConfig{})
	require.True(t, p.Actionable(), "%v", p.Disqualifiers)
	assert.Equal(t, 2, p.Middle.Count)
	assert.Zero(t, p.EndOffset)
}

func TestImperfectMiddleFitOverlaps(t *testing.T) {
	p := assemble(850, PartConfig{}, part("MID_400"), PartConfig{})
	require.True(t, p.Actionable())
	assert.Equal(t, 3, p.Middle.Count)
	assert.InDelta(t, -350, p.EndOffset, 1e-9)
}

func TestRemainderWithinToleranceAddsNoRepeat(t *testing.T) {
	p := assemble(800.5, PartConfig{}, part("MID_400"), PartConfig{})
	assert.Equal(t, 2, p.Middle.Count)
	assert.Zero(t, p.EndOffset)
}

func TestStartBlocksEverything(t *testing.T) {
	p := assemble(100, part("START_120"), part("MID_400"), part("END_100"))
	assert.False(t, p.Actionable())
	assert.Equal(t, []reason.Code{reason.NotEnoughRoom}, p.Disqualifiers)
	assert.Zero(t, p.Start.Count)
	assert.Zero(t, p.Middle.Count)
	assert.Zero(t, p.End.Count)
	assert.False(t, p.End.Skipped)
	assert.Empty(t, p.Cost)
	assert.Nil(t, p.Layout())
}

func TestEndSkippedWhenItDoesNotFit(t *testing.T) {
	p := assemble(500, part("START_120"), part("MID_400"), part("END_400"))
	require.True(t, p.Actionable(), "%v", p.Disqualifiers)
	assert.True(t, p.End.Skipped)
	assert.Equal(t, 1, p.Start.Count)
	assert.Equal(t, 1, p.Middle.Count)
	assert.Equal(t, 2, p.PartCount())
}

func TestFullChainCost(t *testing.T) {
	p := assemble(1020, part("START_120"), part("MID_400"), part("END_100"))
	require.True(t, p.Actionable())
	assert.Equal(t, 1, p.Start.Count)
	assert.Equal(t, 2, p.Middle.Count)
	assert.Equal(t, 1, p.End.Count)
	assert.Equal(t, map[string]int{"IRON_PLATE": 2, "STEEL_PIPE": 2, "CONCRETE": 9}, p.Cost)
	assert.Equal(t, []catalogs.ItemCount{
		{Item: "CONCRETE", Count: 9},
		{Item: "IRON_PLATE", Count: 2},
		{Item: "STEEL_PIPE", Count: 2},
	}, p.CostLines())
}

func TestStartAndEndCloseTheGap(t *testing.T) {
	p := assemble(220, part("START_120"), part("MID_400"), part("END_100"))
	require.True(t, p.Actionable(), "%v", p.Disqualifiers)
	assert.True(t, p.Middle.Skipped)
	assert.Equal(t, 2, p.PartCount())
	assert.NotContains(t, p.Cost, "STEEL_PIPE")
}

func TestTraceDisqualifierShortCircuits(t *testing.T) {
	a := NewAssembler(testCatalog(), tuning.Static(tuning.Defaults()))
	p := a.Assemble(trace.Result{Disqualifier: reason.EncroachingVehicle}, geom.Bottom, part("START_120"), part("MID_400"), PartConfig{})
	assert.Equal(t, []reason.Code{reason.EncroachingVehicle}, p.Disqualifiers)
	assert.Zero(t, p.PartCount())
}

func TestZeroDistanceIsNotEnoughRoom(t *testing.T) {
	p := assemble(0, PartConfig{}, part("MID_400"), PartConfig{})
	assert.Equal(t, []reason.Code{reason.NotEnoughRoom}, p.Disqualifiers)
}

func TestNothingSpecified(t *testing.T) {
	p := assemble(1000, PartConfig{}, PartConfig{}, PartConfig{})
	assert.Equal(t, []reason.Code{reason.NoPartsConfigured}, p.Disqualifiers)
	assert.False(t, p.Actionable())
}

func TestUnknownDescriptor(t *testing.T) {
	p := assemble(1000, part("NOPE"), part("MID_400"), PartConfig{})
	assert.Equal(t, []reason.Code{reason.UnknownDescriptor}, p.Disqualifiers)
}

func TestDegenerateMiddleIsExcluded(t *testing.T) {
	p := assemble(1000, PartConfig{}, part("FLAT"), PartConfig{})
	assert.False(t, p.Actionable())
	assert.Equal(t, []reason.Code{reason.NotEnoughRoom}, p.Disqualifiers)

	p = assemble(1000, part("START_120"), part("FLAT"), PartConfig{})
	require.True(t, p.Actionable())
	assert.True(t, p.Middle.Skipped)
	assert.Equal(t, 1, p.PartCount())
}

func TestMiddleFillCoversDistance(t *testing.T) {
	tol := tuning.Defaults().OverlapTolerance
	for _, s := range []string{"MID_400", "MID_100"} {
		step := testCatalog().Parts.ByID[s].Bounds[1][1]
		for d := 2.0; d < 3000; d += 7.3 {
			p := assemble(d, PartConfig{}, part(s), PartConfig{})
			n := float64(p.Middle.Count)
			assert.GreaterOrEqual(t, n*step, d-tol, "%s d=%v n=%v", s, d, n)
			assert.Less(t, (n-1)*step, d, "%s d=%v n=%v", s, d, n)
		}
	}
}

func TestPartCountIsMonotonic(t *testing.T) {
	schemes := []struct {
		name               string
		start, middle, end PartConfig
	}{
		{"full", part("START_120"), part("MID_400"), part("END_100")},
		{"equal end", part("START_120"), part("MID_400"), part("END_400")},
		{"middle only", PartConfig{}, part("MID_100"), PartConfig{}},
		{"no middle", part("START_120"), PartConfig{}, part("END_100")},
	}
	for _, sc := range schemes {
		prev := 0
		for d := 0.0; d <= 3000; d++ {
			p := assemble(d, sc.start, sc.middle, sc.end)
			n := 0
			if p.Actionable() {
				n = p.PartCount()
			}
			require.GreaterOrEqual(t, n, prev, "%s at %v", sc.name, d)
			prev = n
		}
	}
}

func TestPartCountDropsWhenEndOutgrowsMiddle(t *testing.T) {
	counts := map[float64]int{}
	for _, d := range []float64{500, 520, 600} {
		p := assemble(d, part("START_120"), part("MID_100"), part("END_400"))
		require.True(t, p.Actionable(), "%v at %v", p.Disqualifiers, d)
		counts[d] = p.PartCount()
	}
	assert.Equal(t, map[float64]int{500: 5, 520: 2, 600: 3}, counts)

	p := assemble(500, part("START_120"), part("MID_100"), part("END_400"))
	assert.True(t, p.End.Skipped)
	assert.Equal(t, 4, p.Middle.Count)
}

func TestLayoutKeepsEndFlush(t *testing.T) {
	p := assemble(1070, part("START_120"), part("MID_400"), part("END_100"))
	require.True(t, p.Actionable())
	require.Equal(t, 3, p.Middle.Count)
	slots := p.Layout()
	require.Len(t, slots, 5)

	// chain grows downwards from the anchor
	assert.InDelta(t, 0, slots[0].Box.Max()[1], 1e-9)
	assert.InDelta(t, -120, slots[1].Box.Max()[1], 1e-9)
	assert.InDelta(t, -520, slots[2].Box.Max()[1], 1e-9)
	last := slots[len(slots)-1]
	assert.Equal(t, RoleEnd, last.Spec.Role)
	assert.InDelta(t, -1070, last.Box.Min()[1], 1e-9)

	b, ok := Bounds(slots)
	require.True(t, ok)
	assert.InDelta(t, -1070, b.Min()[1], 1e-9)
	assert.InDelta(t, 0, b.Max()[1], 1e-9)
}

func TestLayoutFollowsAnchor(t *testing.T) {
	a := NewAssembler(testCatalog(), tuning.Static(tuning.Defaults()))
	anchor := geom.At(mgl64.Vec3{500, 300, 0}, geom.YawDegrees(90))
	p := a.Assemble(trace.Result{Distance: 400, Start: anchor}, geom.Front, PartConfig{}, PartConfig{Descriptor: "MID_400", Orientation: geom.Front}, PartConfig{})
	require.True(t, p.Actionable())
	slots := p.Layout()
	require.Len(t, slots, 1)
	// Front grows along local +Z, which the yaw maps to world +X
	assert.InDelta(t, 500, slots[0].Box.Min()[0], 1e-6)
	assert.InDelta(t, 900, slots[0].Box.Max()[0], 1e-6)
}
