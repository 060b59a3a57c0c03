package data

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/outpost/lockstep/internal/world"
)

var ErrUnknownMap = errors.New("data: unknown map")

// MapInfo holds metadata for a single map, loaded from maps.yaml.
type MapInfo struct {
	MapID       int32  `yaml:"map_id"`
	Name        string `yaml:"name"`
	Width       int32  `yaml:"width"`
	Height      int32  `yaml:"height"`
	Description string `yaml:"description"`
}

// Map is one loaded map: metadata plus row-major tiles [y*width + x].
type Map struct {
	Info  MapInfo
	Tiles []world.Tile
}

// MapDataTable provides map tile data and metadata lookups.
type MapDataTable struct {
	maps    map[int32]*Map
	skipped []int32
}

type mapListFile struct {
	Maps []MapInfo `yaml:"maps"`
}

// LoadMapData loads map metadata from YAML and tile data from CSV files.
// yamlPath: path to maps.yaml
// tileDir: directory containing {map_id}.txt tile files
func LoadMapData(yamlPath, tileDir string) (*MapDataTable, error) {
	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("read map list %s: %w", yamlPath, err)
	}
	var file mapListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse map list: %w", err)
	}

	table := &MapDataTable{maps: make(map[int32]*Map, len(file.Maps))}
	for _, info := range file.Maps {
		if info.Width <= 0 || info.Height <= 0 {
			return nil, fmt.Errorf("map %d: invalid size %dx%d", info.MapID, info.Width, info.Height)
		}
		if _, dup := table.maps[info.MapID]; dup {
			return nil, fmt.Errorf("map %d listed twice", info.MapID)
		}
		tiles, err := loadTileFile(tileDir, info)
		if errors.Is(err, os.ErrNotExist) {
			// Missing tile file is non-fatal; the map is just unavailable.
			table.skipped = append(table.skipped, info.MapID)
			continue
		}
		if err != nil {
			return nil, err
		}
		table.maps[info.MapID] = &Map{Info: info, Tiles: tiles}
	}
	return table, nil
}

// loadTileFile reads a CSV tile file: each line is a row (y) of comma-separated
// tile kinds (0 ground, 1 water, 2 rock). Short rows and missing rows stay ground.
func loadTileFile(dir string, info MapInfo) ([]world.Tile, error) {
	path := filepath.Join(dir, strconv.Itoa(int(info.MapID))+".txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w, h := int(info.Width), int(info.Height)
	tiles := make([]world.Tile, w*h)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	y := 0
	line := 0
	for scanner.Scan() && y < h {
		line++
		text := strings.TrimSpace(scanner.Text())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		for x, tok := range strings.Split(text, ",") {
			if x >= w {
				break
			}
			val, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 8)
			if err != nil || !world.TileKind(val).Valid() {
				return nil, fmt.Errorf("%s:%d: bad tile %q at column %d", path, line, tok, x)
			}
			tiles[y*w+x] = world.Tile{Kind: world.TileKind(val)}
		}
		y++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return tiles, nil
}

// Count returns the number of maps loaded with tile data.
func (t *MapDataTable) Count() int {
	return len(t.maps)
}

// Skipped lists maps whose tile file was missing.
func (t *MapDataTable) Skipped() []int32 {
	return t.skipped
}

// GetInfo returns metadata for a map, or nil if not found.
func (t *MapDataTable) GetInfo(mapID int32) *MapInfo {
	m := t.maps[mapID]
	if m == nil {
		return nil
	}
	return &m.Info
}

// NewWorld builds an empty world over the tiles of mapID.
func (t *MapDataTable) NewWorld(mapID int32, templates *world.Templates, tasks *world.TaskRegistry, opts world.Options) (*world.World, error) {
	m := t.maps[mapID]
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMap, mapID)
	}
	return world.New(m.Info.Width, m.Info.Height, m.Tiles, templates, tasks, opts)
}
