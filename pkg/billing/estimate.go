package billing

import (
	"fmt"
	"sort"
)

// FeatureUsage is the projected number of calls per feature for one tier in a
// month, with nominal token volumes per call.
type FeatureUsage struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
}

// CostBlend is a weighted mix of model tiers reflecting how the router spreads
// a feature's calls in practice. Weights should sum to 1.
type CostBlend map[string]float64

// ReferenceData drives monthly cost projections. It is fixed reference data,
// swappable for pricing experiments, not live metering.
type ReferenceData struct {
	// Usage holds per-tier, per-feature call projections.
	Usage map[Tier]map[string]FeatureUsage
	// Blends holds the per-feature model mix.
	Blends map[string]CostBlend
	// ListPriceUSD is each tier's monthly list price.
	ListPriceUSD map[Tier]float64
}

// DefaultReferenceData mirrors observed routing of the document pipeline:
// ingestion is embedding-heavy, queries blend cheap and mid models, image
// description rides the vision tier.
func DefaultReferenceData() ReferenceData {
	return ReferenceData{
		Usage: map[Tier]map[string]FeatureUsage{
			TierStarter: {
				"ingestion":         {Calls: 400, InputTokens: 800, OutputTokens: 0},
				"document-analysis": {Calls: 10, InputTokens: 12000, OutputTokens: 600},
				"image-description": {Calls: 40, InputTokens: 1200, OutputTokens: 120},
				"query":             {Calls: 200, InputTokens: 4000, OutputTokens: 500},
			},
			TierPro: {
				"ingestion":         {Calls: 4000, InputTokens: 800, OutputTokens: 0},
				"document-analysis": {Calls: 80, InputTokens: 12000, OutputTokens: 600},
				"image-description": {Calls: 300, InputTokens: 1200, OutputTokens: 120},
				"query":             {Calls: 1500, InputTokens: 4000, OutputTokens: 500},
			},
			TierBusiness: {
				"ingestion":         {Calls: 20000, InputTokens: 800, OutputTokens: 0},
				"document-analysis": {Calls: 400, InputTokens: 12000, OutputTokens: 600},
				"image-description": {Calls: 1500, InputTokens: 1200, OutputTokens: 120},
				"query":             {Calls: 8000, InputTokens: 4000, OutputTokens: 500},
			},
		},
		Blends: map[string]CostBlend{
			"ingestion":         {"text-embed-small": 1.0},
			"document-analysis": {"chat-mid": 0.7, "chat-premium": 0.3},
			"image-description": {"vision-lite": 1.0},
			"query":             {"chat-lite": 0.5, "chat-mid": 0.4, "chat-premium": 0.1},
		},
		ListPriceUSD: map[Tier]float64{
			TierStarter:  9,
			TierPro:      29,
			TierBusiness: 99,
		},
	}
}

// Estimate is a deterministic monthly cost projection for one tier.
type Estimate struct {
	Tier               Tier               `json:"tier"`
	PerFeatureCost     map[string]float64 `json:"perFeatureCost"`
	TotalCost          float64            `json:"totalCost"`
	RecommendedCredits int64              `json:"recommendedCredits"`
	MarginPercent      float64            `json:"marginPercent"`
}

// EstimateMonthlyCost projects provider spend for a tier from the reference
// usage table and per-feature cost blends, and derives the credit allocation
// and margin against the tier's list price.
func (l *Ledger) EstimateMonthlyCost(tier Tier, ref ReferenceData) (Estimate, error) {
	usage, ok := ref.Usage[tier]
	if !ok {
		return Estimate{}, fmt.Errorf("billing: no usage pattern for tier %q", tier)
	}
	perFeature := make(map[string]float64, len(usage))
	total := 0.0
	features := make([]string, 0, len(usage))
	for feature := range usage {
		features = append(features, feature)
	}
	sort.Strings(features)
	for _, feature := range features {
		fu := usage[feature]
		blend, ok := ref.Blends[feature]
		if !ok {
			return Estimate{}, fmt.Errorf("billing: no cost blend for feature %q", feature)
		}
		featureCost := 0.0
		for modelID, weight := range blend {
			callCost, err := l.Cost(modelID, fu.InputTokens, fu.OutputTokens, false)
			if err != nil {
				return Estimate{}, err
			}
			featureCost += callCost * weight * float64(fu.Calls)
		}
		perFeature[feature] = featureCost
		total += featureCost
	}
	credits := l.ToCredits(total, tier)
	listPrice := ref.ListPriceUSD[tier]
	margin := 0.0
	if listPrice > 0 {
		margin = (listPrice - total) / listPrice * 100
	}
	return Estimate{
		Tier:               tier,
		PerFeatureCost:     perFeature,
		TotalCost:          total,
		RecommendedCredits: credits,
		MarginPercent:      margin,
	}, nil
}
