package models

// PricingTier separates full-quality models from the economy variants the
// supervisor may fall back to under a tight budget.
type PricingTier string

const (
	PricingTierStandard PricingTier = "standard"
	PricingTierEconomy  PricingTier = "economy"
)

// ModelPricing holds per-million-token prices for a model (USD)
type ModelPricing struct {
	Model            string      `bson:"model" json:"model" yaml:"model"`
	InputPerMillion  float64     `bson:"inputPerMillion" json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64     `bson:"outputPerMillion" json:"output_per_million" yaml:"output_per_million"`
	Tier             PricingTier `bson:"tier,omitempty" json:"tier,omitempty" yaml:"tier"`
}

// Cost returns the price of the given token counts
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMillion/1_000_000 +
		float64(outputTokens)*p.OutputPerMillion/1_000_000
}
