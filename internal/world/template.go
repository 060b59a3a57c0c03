package world

import (
	"fmt"
	"sort"

	"github.com/outpost/lockstep/internal/geom"
)

// Template describes a kind of entity: its collision mesh, whether it moves,
// and what it costs to build.
type Template struct {
	ID     int32
	Name   string
	Mobile bool
	Cost   int32
	Speed  float64 // tiles per second, mobile templates only
	Mesh   *geom.Mesh
}

// Templates is the immutable template table shared by every peer.
type Templates struct {
	byID   map[int32]*Template
	byName map[string]*Template
}

func NewTemplates(list ...*Template) (*Templates, error) {
	t := &Templates{
		byID:   make(map[int32]*Template, len(list)),
		byName: make(map[string]*Template, len(list)),
	}
	for _, tpl := range list {
		if tpl == nil || tpl.Mesh == nil || len(tpl.Mesh.Polygons) == 0 {
			return nil, fmt.Errorf("template %v has no collision mesh", tpl)
		}
		if _, dup := t.byID[tpl.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %d", tpl.ID)
		}
		if _, dup := t.byName[tpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q", tpl.Name)
		}
		t.byID[tpl.ID] = tpl
		t.byName[tpl.Name] = tpl
	}
	return t, nil
}

func (t *Templates) Get(id int32) (*Template, bool) {
	tpl, ok := t.byID[id]
	return tpl, ok
}

func (t *Templates) ByName(name string) (*Template, bool) {
	tpl, ok := t.byName[name]
	return tpl, ok
}

func (t *Templates) Count() int { return len(t.byID) }

// IDs returns template ids in ascending order.
func (t *Templates) IDs() []int32 {
	ids := make([]int32, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
