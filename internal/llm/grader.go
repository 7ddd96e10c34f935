package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zhixue/practice/internal/llm/prompts"
	"github.com/zhixue/practice/internal/model"
)

var gradeSchema = &Schema{
	Name: "grade-result",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score":    map[string]any{"type": []any{"number", "string"}},
			"total":    map[string]any{"type": []any{"number", "string"}},
			"feedback": map[string]any{"type": "string"},
			"answer":   map[string]any{"type": "string"},
			"analysis": map[string]any{"type": "string"},
		},
		"required": []any{"score", "total"},
	},
}

// GradeRequest is one open-response item to be scored.
type GradeRequest struct {
	Region          model.Region
	Stem            string
	Material        string
	CanonicalAnswer string
	MaxScore        float64
	StudentAnswer   string
}

// GradeResult holds the grader's assessment, expressed on the item's own scale.
type GradeResult struct {
	Score     float64
	Total     float64
	Feedback  string
	Rationale string
}

// Client grades open-response answers through a Provider.
type Client struct {
	provider Provider
	timeout  time.Duration
}

// New creates a grading client. A zero timeout leaves the caller's deadline in charge.
func New(p Provider, timeout time.Duration) *Client {
	return &Client{provider: p, timeout: timeout}
}

// ModelID returns the provider's model identifier.
func (c *Client) ModelID() string {
	return c.provider.ModelID()
}

// GradeAnswer scores a single answer. Transport failures come back as
// *ErrRateLimit or *ErrProviderUnavailable, unusable output as *ErrInvalidResponse.
func (c *Client) GradeAnswer(ctx context.Context, req GradeRequest) (*GradeResult, error) {
	system, err := prompts.System()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	prompt, err := prompts.BuildGradePrompt(prompts.GradeData{
		Region:          req.Region,
		Stem:            req.Stem,
		Material:        req.Material,
		CanonicalAnswer: req.CanonicalAnswer,
		MaxScore:        req.MaxScore,
		Answer:          req.StudentAnswer,
	})
	if err != nil {
		return nil, fmt.Errorf("build grade prompt: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.provider.Generate(ctx, Request{
		System:      system,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		JSON:        true,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}

	raw := stripCodeFences(resp.Content)
	slog.Debug("grader response", "model", resp.Model, "raw", string(raw))

	if err := validateResponse(gradeSchema, raw); err != nil {
		return nil, err
	}
	return parseGradeResult(raw, req.MaxScore)
}

type gradePayload struct {
	Score    flexNumber `json:"score"`
	Total    flexNumber `json:"total"`
	Feedback string     `json:"feedback"`
	Answer   string     `json:"answer"`
	Analysis string     `json:"analysis"`
}

func parseGradeResult(raw json.RawMessage, maxScore float64) (*GradeResult, error) {
	var p gradePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ErrInvalidResponse{Content: raw, Err: err}
	}

	score, total := float64(p.Score), float64(p.Total)
	if !finite(score) || !finite(total) {
		return nil, &ErrInvalidResponse{Content: raw, Err: fmt.Errorf("score %v of %v is not a finite number", score, total)}
	}
	// Rescale when the grader used a different full mark than the item.
	if total > 0 && maxScore > 0 && total != maxScore {
		score = score * maxScore / total
	}

	return &GradeResult{
		Score:     score,
		Total:     maxScore,
		Feedback:  strings.TrimSpace(p.Feedback),
		Rationale: strings.TrimSpace(p.Analysis),
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// flexNumber accepts a JSON number or a numeric string.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = flexNumber(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = flexNumber(v)
	return nil
}

func stripCodeFences(content json.RawMessage) json.RawMessage {
	s := bytes.TrimSpace(content)
	if !bytes.HasPrefix(s, []byte("```")) {
		return s
	}
	s = bytes.TrimPrefix(s, []byte("```"))
	if i := bytes.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	return bytes.TrimSpace(s)
}
