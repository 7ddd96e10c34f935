package bank

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/zhixue/practice/internal/model"
)

// Default weights applied when a record carries no fullScore.
const (
	DefaultObjectiveScore = 2
	DefaultOpenScore      = 20
)

// QuestionImport mirrors the loosely typed question JSON.
type QuestionImport struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Region     string   `json:"region"`
	Stem       string   `json:"stem"`
	Material   string   `json:"material"`
	Options    []string `json:"options"`
	Answer     string   `json:"answer"`
	Analysis   string   `json:"analysis"`
	PointName  string   `json:"point_name"`
	Highlights []string `json:"highlights"`
	Category   string   `json:"category"`
	FullScore  *float64 `json:"fullScore"`
}

// Classify decides the kind of an imported record. It is total: every input
// maps to exactly one kind.
func Classify(qi QuestionImport) model.Kind {
	switch strings.ToLower(strings.TrimSpace(qi.Type)) {
	case "choice", "objective":
		return model.KindObjective
	case "material", "open":
		return model.KindOpen
	}
	if len(qi.Options) > 0 {
		return model.KindObjective
	}
	return model.KindOpen
}

// Partition is the immutable subset of the bank for one region.
type Partition struct {
	region    model.Region
	objective []model.Question
	open      []model.Question
}

// Region returns the partition's region key.
func (p Partition) Region() model.Region { return p.region }

// Objective returns a copy of the objective pool.
func (p Partition) Objective() []model.Question {
	return append([]model.Question(nil), p.objective...)
}

// Open returns a copy of the open-response pool.
func (p Partition) Open() []model.Question {
	return append([]model.Question(nil), p.open...)
}

// Size returns the number of questions of each kind.
func (p Partition) Size() (objective, open int) {
	return len(p.objective), len(p.open)
}

// Bank is an immutable, region-partitioned question collection.
type Bank struct {
	partitions map[model.Region]*Partition
	byKey      map[string]model.Question
}

func key(region model.Region, id string) string {
	return string(region) + "\x00" + id
}

// FromImports builds a bank from imported records. Duplicate ids within a
// region, and records without id, region or (for objective items) answer are
// rejected.
func FromImports(imports []QuestionImport) (*Bank, error) {
	b := &Bank{
		partitions: make(map[model.Region]*Partition),
		byKey:      make(map[string]model.Question),
	}
	regionOf := make(map[string]model.Region, len(imports))
	for i, qi := range imports {
		q, err := convert(qi)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		// Mistake entries and attempts key on the id alone.
		if prev, dup := regionOf[q.ID]; dup {
			if prev == q.Region {
				return nil, fmt.Errorf("question %d: duplicate id %q in region %s", i, q.ID, q.Region)
			}
			return nil, fmt.Errorf("question %d: id %q used in both %s and %s", i, q.ID, prev, q.Region)
		}
		regionOf[q.ID] = q.Region
		b.byKey[key(q.Region, q.ID)] = q

		p, ok := b.partitions[q.Region]
		if !ok {
			p = &Partition{region: q.Region}
			b.partitions[q.Region] = p
		}
		if q.Kind == model.KindObjective {
			p.objective = append(p.objective, q)
		} else {
			p.open = append(p.open, q)
		}
	}
	return b, nil
}

func convert(qi QuestionImport) (model.Question, error) {
	id := strings.TrimSpace(qi.ID)
	if id == "" {
		return model.Question{}, fmt.Errorf("missing id")
	}
	region := model.Region(strings.TrimSpace(qi.Region))
	if region == "" {
		return model.Question{}, fmt.Errorf("question %q: missing region", id)
	}
	kind := Classify(qi)
	answer := strings.TrimSpace(qi.Answer)
	if kind == model.KindObjective && answer == "" {
		return model.Question{}, fmt.Errorf("question %q: objective question without answer", id)
	}

	maxScore := float64(DefaultOpenScore)
	if kind == model.KindObjective {
		maxScore = DefaultObjectiveScore
	}
	if qi.FullScore != nil {
		if *qi.FullScore <= 0 {
			return model.Question{}, fmt.Errorf("question %q: fullScore must be positive", id)
		}
		maxScore = *qi.FullScore
	}

	return model.Question{
		ID:         id,
		Region:     region,
		Kind:       kind,
		Stem:       qi.Stem,
		Material:   qi.Material,
		Options:    qi.Options,
		Answer:     answer,
		Analysis:   qi.Analysis,
		Topic:      strings.TrimSpace(qi.PointName),
		Category:   qi.Category,
		Highlights: qi.Highlights,
		MaxScore:   maxScore,
	}, nil
}

// Load reads question JSON arrays from the given files into a single bank.
func Load(paths ...string) (*Bank, error) {
	var all []QuestionImport
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var imports []QuestionImport
		if err := json.Unmarshal(data, &imports); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		slog.Info("loaded questions", "path", path, "count", len(imports))
		all = append(all, imports...)
	}
	return FromImports(all)
}

// Partition returns the partition for an exact region key.
func (b *Bank) Partition(region model.Region) (Partition, bool) {
	p, ok := b.partitions[region]
	if !ok {
		return Partition{}, false
	}
	return *p, true
}

// Lookup returns a question by region and id.
func (b *Bank) Lookup(region model.Region, id string) (model.Question, bool) {
	q, ok := b.byKey[key(region, id)]
	return q, ok
}

// Regions returns the region keys present in the bank, sorted.
func (b *Bank) Regions() []model.Region {
	regions := make([]model.Region, 0, len(b.partitions))
	for r := range b.partitions {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

// Len returns the total number of questions.
func (b *Bank) Len() int {
	return len(b.byKey)
}
