package reference

import (
	"encoding/json"
	"fmt"
	"os"
)

// Point is the fixed explanatory record for one knowledge-point tag.
type Point struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Timeline   string `json:"timeline"`
	Mnemonic   string `json:"mnemonic"`
	SelfTest   string `json:"self_test"`
}

// DefaultPoint is returned for tags with no recorded entry.
var DefaultPoint = Point{
	Name:       "",
	Definition: "抱歉，暂未收录该知识点详情",
	Timeline:   "",
	Mnemonic:   "",
	SelfTest:   "请对照题目解析，自行梳理该知识点。",
}

// Table maps topic tags to reference points.
type Table struct {
	points map[string]Point
}

// New builds a table from points. Later duplicates replace earlier ones.
func New(points []Point) *Table {
	t := &Table{points: make(map[string]Point, len(points))}
	for _, p := range points {
		t.points[p.Name] = p
	}
	return t
}

// Load reads a JSON array of points. An empty path yields an empty table.
func Load(path string) (*Table, error) {
	if path == "" {
		return New(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var points []Point
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(points), nil
}

// Lookup returns the point for an exact tag, or DefaultPoint named after the
// tag when none is recorded.
func (t *Table) Lookup(tag string) (Point, bool) {
	if p, ok := t.points[tag]; ok {
		return p, true
	}
	d := DefaultPoint
	d.Name = tag
	return d, false
}

// Len returns the number of recorded points.
func (t *Table) Len() int {
	return len(t.points)
}
