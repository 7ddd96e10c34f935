package bank

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zhixue/practice/internal/model"
)

func score(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   QuestionImport
		want model.Kind
	}{
		{"choice type", QuestionImport{Type: "choice"}, model.KindObjective},
		{"material type", QuestionImport{Type: "material"}, model.KindOpen},
		{"type wins over options", QuestionImport{Type: "material", Options: []string{"A. x"}}, model.KindOpen},
		{"untyped with options", QuestionImport{Options: []string{"A. x", "B. y"}}, model.KindObjective},
		{"untyped without options", QuestionImport{}, model.KindOpen},
		{"unknown type with options", QuestionImport{Type: "weird", Options: []string{"A"}}, model.KindObjective},
		{"case and spaces", QuestionImport{Type: " Choice "}, model.KindObjective},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromImportsPartitions(t *testing.T) {
	b, err := FromImports([]QuestionImport{
		{ID: "c1", Type: "choice", Region: "通用", Answer: "A", Options: []string{"A. 1", "B. 2"}},
		{ID: "c2", Type: "choice", Region: "通用", Answer: "B", FullScore: score(3)},
		{ID: "m1", Type: "material", Region: "通用", Answer: "要点"},
		{ID: "g1", Type: "choice", Region: "广州", Answer: "C"},
	})
	if err != nil {
		t.Fatalf("FromImports: %v", err)
	}
	if b.Len() != 4 {
		t.Fatalf("expected 4 questions, got %d", b.Len())
	}

	p, ok := b.Partition("通用")
	if !ok {
		t.Fatal("expected 通用 partition")
	}
	obj, open := p.Size()
	if obj != 2 || open != 1 {
		t.Errorf("expected 2+1, got %d+%d", obj, open)
	}

	if _, ok := b.Partition("深圳"); ok {
		t.Error("unexpected 深圳 partition")
	}

	q, ok := b.Lookup("通用", "c1")
	if !ok || q.MaxScore != DefaultObjectiveScore {
		t.Errorf("Lookup c1 = %+v, %v", q, ok)
	}
	q, _ = b.Lookup("通用", "c2")
	if q.MaxScore != 3 {
		t.Errorf("expected fullScore 3, got %v", q.MaxScore)
	}
	q, _ = b.Lookup("通用", "m1")
	if q.Kind != model.KindOpen || q.MaxScore != DefaultOpenScore {
		t.Errorf("unexpected open question %+v", q)
	}
	q, _ = b.Lookup("广州", "g1")
	if q.Answer != "C" {
		t.Errorf("expected region-scoped lookup, got %+v", q)
	}
	if _, ok := b.Lookup("广州", "c1"); ok {
		t.Error("c1 belongs to 通用 only")
	}

	regions := b.Regions()
	if len(regions) != 2 {
		t.Errorf("expected 2 regions, got %v", regions)
	}
}

func TestFromImportsRejects(t *testing.T) {
	tests := []struct {
		name string
		in   []QuestionImport
	}{
		{"missing id", []QuestionImport{{Region: "通用", Answer: "A", Type: "choice"}}},
		{"missing region", []QuestionImport{{ID: "x", Answer: "A", Type: "choice"}}},
		{"objective without answer", []QuestionImport{{ID: "x", Region: "通用", Type: "choice"}}},
		{"non-positive score", []QuestionImport{{ID: "x", Region: "通用", Type: "material", FullScore: score(0)}}},
		{"duplicate id", []QuestionImport{
			{ID: "x", Region: "通用", Type: "material"},
			{ID: "x", Region: "通用", Type: "material"},
		}},
		{"same id in two regions", []QuestionImport{
			{ID: "x", Region: "通用", Type: "choice", Answer: "A"},
			{ID: "x", Region: "广州", Type: "choice", Answer: "B"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromImports(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPartitionCopies(t *testing.T) {
	b, err := FromImports([]QuestionImport{
		{ID: "c1", Type: "choice", Region: "通用", Answer: "A"},
	})
	if err != nil {
		t.Fatalf("FromImports: %v", err)
	}
	p, _ := b.Partition("通用")
	pool := p.Objective()
	pool[0].Answer = "Z"

	q, _ := b.Lookup("通用", "c1")
	if q.Answer != "A" {
		t.Error("mutating a pool copy changed the bank")
	}
	again, _ := b.Partition("通用")
	if again.Objective()[0].Answer != "A" {
		t.Error("mutating a pool copy changed the partition")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bank.json")
	data := `[
	  {"id": "q1", "type": "choice", "region": "深圳", "stem": "s", "options": ["A. a"], "answer": "A", "point_name": "改革开放"},
	  {"id": "q2", "type": "material", "region": "深圳", "stem": "s", "answer": "a", "fullScore": 20}
	]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	q, ok := b.Lookup("深圳", "q1")
	if !ok || q.Topic != "改革开放" {
		t.Errorf("unexpected q1 %+v", q)
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
