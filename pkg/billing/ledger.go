package billing

import (
	"fmt"
	"math"

	"docmind/pkg/catalog"
	"docmind/pkg/domain"
)

// Tier is a subscription plan name used for markup and pricing projections.
type Tier string

const (
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// CreditUnitUSD is the fixed value of one billable credit.
const CreditUnitUSD = 0.001

// defaultMarkups applies a higher margin to lower tiers.
var defaultMarkups = map[Tier]float64{
	TierStarter:  3.0,
	TierPro:      2.2,
	TierBusiness: 1.6,
}

// Ledger computes per-call monetary cost from token counts and catalog
// pricing, and converts cost to billable credits.
type Ledger struct {
	catalog *catalog.Catalog
	markups map[Tier]float64
}

// New builds a ledger over the given catalog. markups may be nil to use the
// default tier table.
func New(cat *catalog.Catalog, markups map[Tier]float64) *Ledger {
	if markups == nil {
		markups = defaultMarkups
	}
	return &Ledger{catalog: cat, markups: markups}
}

// Cost returns the provider cost in USD for one call. It fails with
// UnknownModelError if the model is not registered.
func (l *Ledger) Cost(modelID string, inputTokens, outputTokens int64, cachedInput bool) (float64, error) {
	d, err := l.catalog.MustGet(modelID)
	if err != nil {
		return 0, err
	}
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("billing: negative token count")
	}
	inputPrice := d.InputPrice
	if cachedInput {
		inputPrice = d.CachedInputPrice
	}
	inputCost := float64(inputTokens) / 1e6 * inputPrice
	outputCost := float64(outputTokens) / 1e6 * d.OutputPrice
	return inputCost + outputCost, nil
}

// ToCredits converts a USD cost into whole billable credits under the tier's
// markup, rounding up. Monotonic in cost; zero cost is zero credits.
func (l *Ledger) ToCredits(cost float64, tier Tier) int64 {
	if cost <= 0 {
		return 0
	}
	markup, ok := l.markups[tier]
	if !ok || markup <= 0 {
		markup = 1.0
	}
	return int64(math.Ceil(cost * markup / CreditUnitUSD))
}

// Record builds an append-only usage record for one call.
func (l *Ledger) Record(ownerID, modelID, category string, inputTokens, outputTokens int64, cachedInput bool) (domain.UsageRecord, error) {
	cost, err := l.Cost(modelID, inputTokens, outputTokens, cachedInput)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	return domain.UsageRecord{
		OwnerID:      ownerID,
		ModelID:      modelID,
		Category:     category,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		CachedInput:  cachedInput,
	}, nil
}
