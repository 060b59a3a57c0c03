package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/world"
)

// TemplateEntry is one entity template as written in templates.yaml. The
// collision mesh is either a centred box or a list of convex polygons given
// as [x, y] points in local space.
type TemplateEntry struct {
	ID       int32         `yaml:"id"`
	Name     string        `yaml:"name"`
	Mobile   bool          `yaml:"mobile"`
	Cost     int32         `yaml:"cost"`
	Speed    float64       `yaml:"speed"`
	Box      []float64     `yaml:"box"`
	Polygons [][][]float64 `yaml:"polygons"`
}

type templateListFile struct {
	Templates []TemplateEntry `yaml:"templates"`
}

// LoadTemplates reads templates.yaml into the template table.
func LoadTemplates(path string) (*world.Templates, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	var file templateListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	list := make([]*world.Template, 0, len(file.Templates))
	for _, e := range file.Templates {
		mesh, err := e.mesh()
		if err != nil {
			return nil, fmt.Errorf("template %d (%s): %w", e.ID, e.Name, err)
		}
		if e.Cost < 0 {
			return nil, fmt.Errorf("template %d (%s): negative cost", e.ID, e.Name)
		}
		list = append(list, &world.Template{
			ID:     e.ID,
			Name:   e.Name,
			Mobile: e.Mobile,
			Cost:   e.Cost,
			Speed:  e.Speed,
			Mesh:   mesh,
		})
	}
	return world.NewTemplates(list...)
}

func (e TemplateEntry) mesh() (*geom.Mesh, error) {
	switch {
	case len(e.Box) > 0 && len(e.Polygons) > 0:
		return nil, fmt.Errorf("box and polygons are exclusive")
	case len(e.Box) > 0:
		if len(e.Box) != 2 || e.Box[0] <= 0 || e.Box[1] <= 0 {
			return nil, fmt.Errorf("box must be [width, height] with positive sides")
		}
		return geom.RectMesh(e.Box[0], e.Box[1]), nil
	case len(e.Polygons) > 0:
		polys := make([]geom.Polygon, 0, len(e.Polygons))
		for i, pts := range e.Polygons {
			if len(pts) < 3 {
				return nil, fmt.Errorf("polygon %d has %d points", i, len(pts))
			}
			vs := make([]geom.Vec, len(pts))
			for j, p := range pts {
				if len(p) != 2 {
					return nil, fmt.Errorf("polygon %d point %d is not [x, y]", i, j)
				}
				vs[j] = geom.V(p[0], p[1])
			}
			polys = append(polys, geom.NewPolygon(vs...))
		}
		return geom.NewMesh(polys...), nil
	default:
		return nil, fmt.Errorf("no collision mesh")
	}
}
