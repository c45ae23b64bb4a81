package memscene

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/df-mc/dragonfly/server/block/cube"

	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/host"
)

var ErrNotFound = errors.New("memscene: not found")

func (s *Scene) Spawn(ctx context.Context, req host.SpawnRequest) (host.Placed, error) {
	if err := ctx.Err(); err != nil {
		return host.Placed{}, err
	}
	if err := s.SpawnErr[req.Class]; err != nil {
		return host.Placed{}, err
	}
	bounds := geom.ApplyBox(req.Transform, req.Bounds)

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Lightweight {
		in := &instance{class: req.Class, index: s.nextIndex, tr: req.Transform, bounds: bounds}
		s.nextIndex++
		s.instances[in.index] = in
		s.instTree.Insert(in)
		pub := in.public()
		return host.Placed{Lightweight: &pub}, nil
	}
	o := s.newObjectLocked(req.Class, req.Descriptor, req.Transform, bounds)
	if req.Parent != nil {
		o.parent = req.Parent.ID()
	}
	return host.Placed{Object: o}, nil
}

func (s *Scene) newObjectLocked(class, descriptor string, tr geom.Transform, bounds cube.BBox) *object {
	s.nextID++
	o := &object{id: s.nextID, class: class, descriptor: descriptor, tr: tr, bounds: bounds}
	o.valid.Store(true)
	s.objects[o.id] = o
	s.placed.Insert(o)
	return o
}

// Destroy removes a placed object. Destroying a temporary also removes its lightweight
// instance.
func (s *Scene) Destroy(ctx context.Context, obj host.Object) error {
	if obj == nil {
		return fmt.Errorf("memscene: destroy nil object")
	}
	s.mu.Lock()
	o, ok := s.objects[obj.ID()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("destroy %d: %w", obj.ID(), ErrNotFound)
	}
	s.dropObjectLocked(o)
	if o.source != nil {
		s.dropInstanceLocked(o.source)
	}
	ls := append([]func(host.Removal){}, s.listeners...)
	s.mu.Unlock()

	notify(ls, host.Removal{Class: o.class, Transform: o.tr, Object: o})
	return nil
}

func (s *Scene) dropObjectLocked(o *object) {
	o.valid.Store(false)
	delete(s.objects, o.id)
	s.placed.Delete(o)
	if o.source != nil && o.source.temp == o {
		o.source.temp = nil
	}
}

func (s *Scene) dropInstanceLocked(in *instance) {
	delete(s.instances, in.index)
	s.instTree.Delete(in)
}

func notify(ls []func(host.Removal), r host.Removal) {
	for _, fn := range ls {
		fn(r)
	}
}

func (s *Scene) Overlap(ctx context.Context, bounds cube.BBox) ([]host.LightweightInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []host.LightweightInstance
	for _, sp := range s.instTree.SearchIntersect(rect(bounds)) {
		out = append(out, sp.(*instance).public())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Scene) Lookup(class string, index int) (host.LightweightInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[index]
	if !ok || in.class != class {
		return host.LightweightInstance{}, false
	}
	return in.public(), true
}

func (s *Scene) SpawnTemporary(ctx context.Context, inst host.LightweightInstance) (host.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[inst.Index]
	if !ok || in.class != inst.Class {
		return nil, fmt.Errorf("temporary for %s[%d]: %w", inst.Class, inst.Index, ErrNotFound)
	}
	if in.temp != nil && in.temp.Valid() {
		return in.temp, nil
	}
	o := s.newObjectLocked(in.class, "", in.tr, in.bounds)
	o.temporary = true
	o.source = in
	in.temp = o
	return o, nil
}

func (s *Scene) SetCleanupBlocked(obj host.Object, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[obj.ID()]; ok && o.temporary {
		o.blocked = blocked
	}
}

func (s *Scene) Remove(ctx context.Context, inst host.LightweightInstance) error {
	s.mu.Lock()
	in, ok := s.instances[inst.Index]
	if !ok || in.class != inst.Class {
		s.mu.Unlock()
		return fmt.Errorf("remove %s[%d]: %w", inst.Class, inst.Index, ErrNotFound)
	}
	var temp host.Object
	if in.temp != nil {
		temp = in.temp
		s.dropObjectLocked(in.temp)
	}
	s.dropInstanceLocked(in)
	ls := append([]func(host.Removal){}, s.listeners...)
	s.mu.Unlock()

	notify(ls, host.Removal{Class: in.class, Transform: in.tr, Object: temp})
	return nil
}

// CleanupTemporaries despawns every temporary object whose cleanup is not blocked, leaving
// the lightweight instances in place. It returns the number despawned.
func (s *Scene) CleanupTemporaries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.objects {
		if o.temporary && !o.blocked {
			s.dropObjectLocked(o)
			n++
		}
	}
	return n
}

// Reindex simulates a save/load cycle of the lightweight store: temporaries are dropped and
// every instance gets a new index.
func (s *Scene) Reindex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	olds := make([]*instance, 0, len(s.instances))
	for _, in := range s.instances {
		olds = append(olds, in)
	}
	// reverse order guarantees indices change
	sort.Slice(olds, func(i, j int) bool { return olds[i].index > olds[j].index })
	s.instances = make(map[int]*instance, len(olds))
	for _, in := range olds {
		if in.temp != nil {
			s.dropObjectLocked(in.temp)
		}
		s.instTree.Delete(in)
		in.index = s.nextIndex
		s.nextIndex++
		s.instances[in.index] = in
		s.instTree.Insert(in)
	}
}

func (s *Scene) ObjectsIn(ctx context.Context, bounds cube.BBox) ([]host.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var found []*object
	for _, sp := range s.placed.SearchIntersect(rect(bounds)) {
		if o := sp.(*object); !o.temporary {
			found = append(found, o)
		}
	}
	s.mu.Unlock()
	sort.Slice(found, func(i, j int) bool { return found[i].id < found[j].id })
	out := make([]host.Object, len(found))
	for i, o := range found {
		out[i] = o
	}
	return out, nil
}

// Object returns a live placed object by id.
func (s *Scene) Object(id host.ObjectID) (host.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	return o, true
}

// Stats counts live objects, temporaries among them, and lightweight instances.
func (s *Scene) Stats() (objects, temporaries, instances int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.temporary {
			temporaries++
		}
	}
	return len(s.objects), temporaries, len(s.instances)
}

// Children lists the ids of objects attached to root.
func (s *Scene) Children(root host.ObjectID) []host.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []host.ObjectID
	for id, o := range s.objects {
		if o.parent == root {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ host.Scene        = (*Scene)(nil)
	_ host.Spawner      = (*Scene)(nil)
	_ host.Lightweights = (*Scene)(nil)
	_ host.Finder       = (*Scene)(nil)
)
