// mapconv converts a hand-drawn ASCII map into the tile files the peer loads.
//
//	.  ground
//	~  water
//	#  rock
//
// Produces:
//   - data/tiles/{map_id}.txt   one CSV row of tile kinds per map row
//   - data/maps.yaml            the map's entry, added or replaced
//
// Usage:
//
//	go run ./cmd/mapconv <ascii-file> <map-id> [name]
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/outpost/lockstep/internal/data"
	"github.com/outpost/lockstep/internal/world"
)

type MapListFile struct {
	Maps []data.MapInfo `yaml:"maps"`
}

var glyphs = map[rune]world.TileKind{
	'.': world.TileGround,
	'~': world.TileWater,
	'#': world.TileRock,
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: mapconv <ascii-file> <map-id> [name]")
		os.Exit(2)
	}
	inputPath := os.Args[1]
	mapID, err := strconv.Atoi(os.Args[2])
	if err != nil || mapID <= 0 {
		fmt.Fprintf(os.Stderr, "bad map id %q\n", os.Args[2])
		os.Exit(2)
	}
	name := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	if len(os.Args) >= 4 {
		name = os.Args[3]
	}
	listPath := filepath.Join("data", "maps.yaml")
	tilePath := filepath.Join("data", "tiles", strconv.Itoa(mapID)+".txt")

	// ---- Read the drawing ----
	rows, err := readASCII(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", inputPath, err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no map rows\n", inputPath)
		os.Exit(1)
	}
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}

	// ---- Write tile CSV ----
	var b strings.Builder
	fmt.Fprintf(&b, "# %s - converted from %s\n", name, filepath.Base(inputPath))
	for _, r := range rows {
		for x := 0; x < width; x++ {
			if x > 0 {
				b.WriteByte(',')
			}
			kind := world.TileGround
			if x < len(r) {
				kind = r[x]
			}
			b.WriteString(strconv.Itoa(int(kind)))
		}
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(tilePath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(tilePath, []byte(b.String()), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", tilePath, err)
		os.Exit(1)
	}

	// ---- Merge into maps.yaml ----
	var list MapListFile
	if raw, err := os.ReadFile(listPath); err == nil {
		if err := yaml.Unmarshal(raw, &list); err != nil {
			fmt.Fprintf(os.Stderr, "error parsing %s: %v\n", listPath, err)
			os.Exit(1)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", listPath, err)
		os.Exit(1)
	}

	entry := data.MapInfo{
		MapID:  int32(mapID),
		Name:   name,
		Width:  int32(width),
		Height: int32(len(rows)),
	}
	replaced := false
	for i := range list.Maps {
		if list.Maps[i].MapID == entry.MapID {
			entry.Description = list.Maps[i].Description
			list.Maps[i] = entry
			replaced = true
		}
	}
	if !replaced {
		list.Maps = append(list.Maps, entry)
	}
	sort.Slice(list.Maps, func(i, j int) bool { return list.Maps[i].MapID < list.Maps[j].MapID })

	yamlData, err := yaml.Marshal(&list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshalling YAML: %v\n", err)
		os.Exit(1)
	}
	header := "# Map list - tile data lives in data/tiles/{map_id}.txt\n\n"
	if err := os.WriteFile(listPath, append([]byte(header), yamlData...), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", listPath, err)
		os.Exit(1)
	}

	fmt.Printf("Map %d %q: %dx%d -> %s\n", mapID, name, width, len(rows), tilePath)
}

// readASCII returns one row of tile kinds per non-blank line. Lines starting
// with ';' are comments.
func readASCII(path string) ([][]world.TileKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]world.TileKind
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), " \t\r")
		if text == "" || strings.HasPrefix(text, ";") {
			continue
		}
		row := make([]world.TileKind, 0, len(text))
		for col, ch := range []rune(text) {
			kind, ok := glyphs[ch]
			if !ok {
				return nil, fmt.Errorf("line %d column %d: unknown glyph %q", line, col+1, ch)
			}
			row = append(row, kind)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}
