package router

import (
	"sync"

	"helixgate/internal/models"
)

// charsPerToken is the deterministic payload-size token heuristic
const charsPerToken = 4

// EstimateInputTokens derives a token count from payload size: one token per
// four bytes, rounded up, never below one
func EstimateInputTokens(input []byte) int {
	n := (len(input) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// DefaultPricing is the built-in table used when no seed file overrides it
func DefaultPricing() []models.ModelPricing {
	return []models.ModelPricing{
		{Model: "claude-opus-4", InputPerMillion: 15, OutputPerMillion: 75, Tier: models.PricingTierStandard},
		{Model: "claude-sonnet-4", InputPerMillion: 3, OutputPerMillion: 15, Tier: models.PricingTierStandard},
		{Model: "claude-haiku-3.5", InputPerMillion: 0.8, OutputPerMillion: 4, Tier: models.PricingTierEconomy},
		{Model: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10, Tier: models.PricingTierStandard},
		{Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.6, Tier: models.PricingTierEconomy},
	}
}

// DefaultRate prices models missing from the table
var DefaultRate = models.ModelPricing{Model: "default", InputPerMillion: 3, OutputPerMillion: 15}

// Pricing is the per-model price table. It can be replaced at runtime when
// the seed file changes.
type Pricing struct {
	mu       sync.RWMutex
	table    map[string]models.ModelPricing
	fallback models.ModelPricing
}

// NewPricing creates a price table. An empty table uses DefaultPricing.
func NewPricing(table []models.ModelPricing, fallback models.ModelPricing) *Pricing {
	p := &Pricing{fallback: fallback}
	if p.fallback.InputPerMillion == 0 && p.fallback.OutputPerMillion == 0 {
		p.fallback = DefaultRate
	}
	if len(table) == 0 {
		table = DefaultPricing()
	}
	p.Replace(table)
	return p
}

// Replace swaps the whole table
func (p *Pricing) Replace(table []models.ModelPricing) {
	m := make(map[string]models.ModelPricing, len(table))
	for _, mp := range table {
		m[mp.Model] = mp
	}
	p.mu.Lock()
	p.table = m
	p.mu.Unlock()
}

// Lookup returns the price of model and whether it was in the table
func (p *Pricing) Lookup(model string) (models.ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	mp, ok := p.table[model]
	if !ok {
		return p.fallback, false
	}
	return mp, true
}

// Estimate prices a call to model
func (p *Pricing) Estimate(model string, inputTokens, outputTokens int) float64 {
	mp, _ := p.Lookup(model)
	return mp.Cost(inputTokens, outputTokens)
}

// List returns the table contents
func (p *Pricing) List() []models.ModelPricing {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.ModelPricing, 0, len(p.table))
	for _, mp := range p.table {
		out = append(out, mp)
	}
	return out
}
