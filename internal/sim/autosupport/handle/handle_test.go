package handle

import (
	"context"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
	"autosupport.dev/internal/sim/host/memscene"
)

var pillarBox = geom.Box(mgl64.Vec3{-50, 0, -50}, mgl64.Vec3{50, 400, 50})

func spawn(t *testing.T, s *memscene.Scene, at mgl64.Vec3, lightweight bool) host.Placed {
	t.Helper()
	p, err := s.Spawn(context.Background(), host.SpawnRequest{
		Class:       "Build_Pillar",
		Transform:   geom.At(at, geom.YawDegrees(90)),
		Bounds:      pillarBox,
		Lightweight: lightweight,
	})
	require.NoError(t, err)
	return p
}

func TestKeyQuantizes(t *testing.T) {
	a := KeyOf("C", geom.At(mgl64.Vec3{100.4, -20.6, 0}, geom.YawDegrees(180)))
	assert.Equal(t, [3]int64{100, -21, 0}, a.Pos)

	q := geom.YawDegrees(180)
	b := KeyOf("C", geom.At(mgl64.Vec3{99.6, -21.2, 0.3}, mgl64.Quat{W: -q.W, V: q.V.Mul(-1)}))
	assert.Equal(t, a, b, "q and -q share a key")

	assert.NotEqual(t, a, KeyOf("D", geom.At(mgl64.Vec3{100.4, -20.6, 0}, geom.YawDegrees(180))))
	assert.NotEqual(t, a, KeyOf("C", geom.At(mgl64.Vec3{100.4, -20.6, 0}, geom.YawDegrees(90))))
}

func TestKeyTransformRoundTrip(t *testing.T) {
	tr := geom.At(mgl64.Vec3{1200, 35, -80}, geom.YawDegrees(90))
	k := KeyOf("C", tr)
	back := k.Transform()
	assert.True(t, back.Location.ApproxEqualThreshold(tr.Location, 1e-9))
	assert.True(t, geom.SameRotation(back.Rotation, tr.Rotation, 1e-6))
	assert.Equal(t, k, KeyOf("C", back))
}

func TestKeyNear(t *testing.T) {
	a := KeyOf("C", geom.At(mgl64.Vec3{0, 0, 0}, mgl64.QuatIdent()))
	b := KeyOf("C", geom.At(mgl64.Vec3{0.8, 0, 0}, mgl64.QuatIdent()))
	c := KeyOf("C", geom.At(mgl64.Vec3{3, 0, 0}, mgl64.QuatIdent()))
	assert.True(t, a.Near(b, 1))
	assert.False(t, a.Near(c, 1))
}

func TestEqualityNeverMixesKinds(t *testing.T) {
	s := memscene.New()
	at := mgl64.Vec3{0, 0, 0}
	obj := FromObject(spawn(t, s, at, false).Object)
	lw := FromLightweight(*spawn(t, s, at, true).Lightweight)

	require.Equal(t, obj.Key(), lw.Key())
	assert.False(t, obj.Equal(lw, 1))
	assert.False(t, lw.Equal(obj, 1))
}

func TestEqualityByKind(t *testing.T) {
	s := memscene.New()
	at := mgl64.Vec3{500, 0, 0}

	p := spawn(t, s, at, true)
	a, b := FromLightweight(*p.Lightweight), FromLightweight(*p.Lightweight)
	assert.True(t, a.Equal(b, 1))
	assert.True(t, b.Equal(a, 1))

	o := spawn(t, s, at, false).Object
	other := spawn(t, s, at, false).Object
	assert.True(t, FromObject(o).Equal(FromObject(o), 1))
	assert.False(t, FromObject(o).Equal(FromObject(other), 1), "distinct objects at one spot")

	restored := Restore(FromObject(o).Key(), KindObject)
	assert.False(t, restored.Equal(FromObject(o), 1), "unresolved object handle has no identity yet")
}

func TestLightweightLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memscene.New()
	h := FromLightweight(*spawn(t, s, mgl64.Vec3{0, 0, 0}, true).Lightweight)
	assert.Equal(t, Unresolved, h.State())
	assert.True(t, h.Resolvable())

	require.NoError(t, h.EnsureAvailable(ctx, s))
	assert.Equal(t, Live, h.State())
	obj := h.MustObject()
	assert.Zero(t, s.CleanupTemporaries(), "blocked while live")

	require.NoError(t, h.EnsureAvailable(ctx, s))
	assert.Equal(t, obj.ID(), h.MustObject().ID())

	h.Release(s)
	assert.Equal(t, Unresolved, h.State())
	assert.Equal(t, 1, s.CleanupTemporaries())
	assert.Panics(t, func() { h.MustObject() })

	require.NoError(t, h.EnsureAvailable(ctx, s))
	assert.NotEqual(t, obj.ID(), h.MustObject().ID())
}

func TestStaleIndexInvalidates(t *testing.T) {
	ctx := context.Background()
	s := memscene.New()
	h := FromLightweight(*spawn(t, s, mgl64.Vec3{0, 0, 0}, true).Lightweight)
	spawn(t, s, mgl64.Vec3{0, 800, 0}, true)
	s.Reindex()

	require.Error(t, h.EnsureAvailable(ctx, s))
	assert.Equal(t, Invalid, h.State())
	assert.False(t, h.Resolvable())
}

func TestRediscoveryRestoresSource(t *testing.T) {
	ctx := context.Background()
	s := memscene.New()
	p := spawn(t, s, mgl64.Vec3{0, 0, 0}, true)
	h := Restore(KeyOf(p.Lightweight.Class, p.Lightweight.Transform), KindLightweight)

	h.BeginResolve()
	assert.Equal(t, Resolving, h.State())
	require.Error(t, h.EnsureAvailable(ctx, s), "no materialization while resolving")
	assert.Equal(t, Resolving, h.State())

	h.ResolveLightweight(*p.Lightweight)
	assert.Equal(t, Unresolved, h.State())
	require.NoError(t, h.EnsureAvailable(ctx, s))
	assert.Equal(t, Live, h.State())
}

func TestObjectHandleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memscene.New()
	obj := spawn(t, s, mgl64.Vec3{0, 0, 0}, false).Object
	h := FromObject(obj)
	assert.Equal(t, Live, h.State())

	h.Release(s)
	assert.Equal(t, Live, h.State(), "full objects are never temporary")

	require.NoError(t, s.Destroy(ctx, obj))
	require.Error(t, h.EnsureAvailable(ctx, s))
	assert.Equal(t, Invalid, h.State())
}

func TestMatches(t *testing.T) {
	s := memscene.New()
	obj := spawn(t, s, mgl64.Vec3{10, 0, 0}, false).Object
	other := spawn(t, s, mgl64.Vec3{10, 0, 0}, false).Object

	h := FromObject(obj)
	assert.True(t, h.Matches(obj, 1))
	assert.False(t, h.Matches(other, 1))

	restored := Restore(h.Key(), KindObject)
	assert.True(t, restored.Matches(other, 1))
}
