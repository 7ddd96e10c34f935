package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/zhixue/practice/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerRunes bounds the student answer forwarded to the grader.
const maxAnswerRunes = 10000

// Variant is a region rubric variant.
type Variant string

const (
	// VariantStructured rewards layered reasoning that ties facts to conclusions.
	VariantStructured Variant = "structured"
	// VariantKeywords scores by keyword coverage.
	VariantKeywords Variant = "keywords"
)

// VariantForRegion returns the rubric variant used for a region's papers.
func VariantForRegion(region model.Region) Variant {
	if region == model.RegionGuangzhou {
		return VariantStructured
	}
	return VariantKeywords
}

var (
	loadOnce  sync.Once
	loadErr   error
	system    string
	templates map[Variant]*template.Template
)

func load() error {
	loadOnce.Do(func() {
		data, err := templateFS.ReadFile("templates/system.txt")
		if err != nil {
			loadErr = fmt.Errorf("read system prompt: %w", err)
			return
		}
		system = strings.TrimSpace(string(data))

		templates = make(map[Variant]*template.Template)
		for _, v := range []Variant{VariantStructured, VariantKeywords} {
			file := "templates/grade_" + string(v) + ".txt"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	Region          model.Region
	Stem            string
	Material        string
	CanonicalAnswer string
	MaxScore        float64
	Answer          string
}

type renderData struct {
	GradeData
	MaxScore string
}

// System returns the grader's system instruction.
func System() (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	return system, nil
}

// BuildGradePrompt renders the grading prompt for the data's region.
func BuildGradePrompt(data GradeData) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	variant := VariantForRegion(data.Region)
	tmpl, ok := templates[variant]
	if !ok {
		return "", fmt.Errorf("invalid prompt variant: %s", variant)
	}

	data.Answer = sanitizeAnswer(data.Answer)
	rd := renderData{
		GradeData: data,
		MaxScore:  strconv.FormatFloat(data.MaxScore, 'f', -1, 64),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rd); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[未作答]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[作答过长，已截断]"
	}
	return answer
}
