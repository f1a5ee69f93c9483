// Package cost attributes token usage to (spec, stage, model) and
// alerts when a spec's cumulative spend crosses configured thresholds.
package cost

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/metalagman/specdrive/internal/stage"
)

//go:embed prices.yaml
var pricesYAML []byte

// ModelPrice is the USD price per million tokens.
type ModelPrice struct {
	InputPerM  float64 `yaml:"input_per_m"`
	OutputPerM float64 `yaml:"output_per_m"`
}

type priceFile struct {
	Models map[string]ModelPrice `yaml:"models"`
}

// Alert fires when cumulative spec spend crosses a threshold.
type Alert struct {
	SpecID       string  `json:"spec_id"`
	ThresholdUSD float64 `json:"threshold_usd"`
	TotalUSD     float64 `json:"total_usd"`
}

// Usage accumulates tokens and derived cost for one (stage, model).
type Usage struct {
	Stage        string  `json:"stage"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type specUsage struct {
	total   float64
	crossed map[float64]bool
	usage   map[string]*Usage // keyed stage|model
}

// Tracker records per-call usage and writes stage summary sidecars.
type Tracker struct {
	mu           sync.Mutex
	prices       map[string]ModelPrice
	thresholds   []float64
	evidenceRoot string
	specs        map[string]*specUsage
}

// NewTracker loads the embedded price table. thresholds are cumulative
// per-spec USD levels; evidenceRoot receives stage summary sidecars.
func NewTracker(thresholds []float64, evidenceRoot string) (*Tracker, error) {
	var pf priceFile
	if err := yaml.Unmarshal(pricesYAML, &pf); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)
	return &Tracker{
		prices:       pf.Models,
		thresholds:   sorted,
		evidenceRoot: evidenceRoot,
		specs:        make(map[string]*specUsage),
	}, nil
}

// RecordAgentCall attributes one agent call and returns its cost plus an
// alert when the spec's cumulative spend crosses a threshold. Each
// threshold fires at most once per spec.
func (t *Tracker) RecordAgentCall(specID string, st stage.Stage, model string, inputTokens, outputTokens int) (float64, *Alert) {
	price := t.priceFor(model)
	cost := float64(inputTokens)/1e6*price.InputPerM + float64(outputTokens)/1e6*price.OutputPerM

	t.mu.Lock()
	defer t.mu.Unlock()
	su, ok := t.specs[specID]
	if !ok {
		su = &specUsage{crossed: make(map[float64]bool), usage: make(map[string]*Usage)}
		t.specs[specID] = su
	}
	key := st.Key() + "|" + model
	u, ok := su.usage[key]
	if !ok {
		u = &Usage{Stage: st.Key(), Model: model}
		su.usage[key] = u
	}
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.CostUSD += cost
	su.total += cost

	for _, threshold := range t.thresholds {
		if su.total >= threshold && !su.crossed[threshold] {
			su.crossed[threshold] = true
			log.Warn().Str("spec_id", specID).Float64("threshold_usd", threshold).Float64("total_usd", su.total).Msg("spend threshold crossed")
			return cost, &Alert{SpecID: specID, ThresholdUSD: threshold, TotalUSD: su.total}
		}
	}
	return cost, nil
}

// SpecTotal returns the cumulative spend for a spec.
func (t *Tracker) SpecTotal(specID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if su, ok := t.specs[specID]; ok {
		return su.total
	}
	return 0
}

// StageSummary is the sidecar written on stage completion.
type StageSummary struct {
	SpecID       string   `json:"spec_id"`
	Stage        string   `json:"stage"`
	Usage        []Usage  `json:"usage"`
	StageCostUSD float64  `json:"stage_cost_usd"`
	SpecCostUSD  float64  `json:"spec_cost_usd"`
	RoutingNotes []string `json:"routing_notes,omitempty"`
	WrittenAt    string   `json:"written_at"`
}

// WriteStageSummary writes the per-stage cost sidecar under the spec's
// evidence directory. notes carry routing context such as aggregator
// reasoning effort or an escalation reason.
func (t *Tracker) WriteStageSummary(specID string, st stage.Stage, notes []string) error {
	summary := StageSummary{
		SpecID:       specID,
		Stage:        st.Key(),
		RoutingNotes: notes,
		WrittenAt:    time.Now().UTC().Format(time.RFC3339),
	}

	t.mu.Lock()
	if su, ok := t.specs[specID]; ok {
		summary.SpecCostUSD = su.total
		prefix := st.Key() + "|"
		for key, u := range su.usage {
			if strings.HasPrefix(key, prefix) {
				summary.Usage = append(summary.Usage, *u)
				summary.StageCostUSD += u.CostUSD
			}
		}
	}
	t.mu.Unlock()
	sort.Slice(summary.Usage, func(i, j int) bool { return summary.Usage[i].Model < summary.Usage[j].Model })

	if t.evidenceRoot == "" {
		return nil
	}
	dir := filepath.Join(t.evidenceRoot, specID, "evidence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cost summary: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("cost-%s.json", st.Key()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cost summary: %w", err)
	}
	return nil
}

// priceFor matches exactly, then by provider family prefix, then falls
// back to the default entry.
func (t *Tracker) priceFor(model string) ModelPrice {
	if p, ok := t.prices[model]; ok {
		return p
	}
	for name, p := range t.prices {
		if name != "default" && strings.HasPrefix(model, name) {
			return p
		}
	}
	return t.prices["default"]
}

// EstimateTokens approximates token counts from text length when the
// provider CLI reports none.
func EstimateTokens(text string) int {
	return len(text) / 4
}
