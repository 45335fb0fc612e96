package router

import (
	"fmt"
	"sort"

	"docmind/pkg/catalog"
)

// TaskCategory enumerates the AI call sites in the platform. The router maps
// each category to a required model capability; call sites never reference
// model ids directly.
type TaskCategory string

const (
	TaskEmbedding           TaskCategory = "embedding"
	TaskDocumentAnalysis    TaskCategory = "document-analysis"
	TaskImageDescription    TaskCategory = "image-description"
	TaskAnswerSynthesis     TaskCategory = "answer-synthesis"
	TaskCodeGeneration      TaskCategory = "code-generation"
	TaskFrameworkConversion TaskCategory = "framework-conversion"
)

type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// DefaultTaskCapabilities is the task-category -> capability mapping used when
// none is injected.
var DefaultTaskCapabilities = map[TaskCategory]catalog.Capability{
	TaskEmbedding:           catalog.CapEmbedding,
	TaskDocumentAnalysis:    catalog.CapGeneral,
	TaskImageDescription:    catalog.CapVision,
	TaskAnswerSynthesis:     catalog.CapGeneral,
	TaskCodeGeneration:      catalog.CapCode,
	TaskFrameworkConversion: catalog.CapCode,
}

// Router selects the cheapest model tier satisfying a task's quality
// requirement. It is a pure function of its inputs and the static catalog.
type Router struct {
	catalog *catalog.Catalog
	tasks   map[TaskCategory]catalog.Capability
}

// New builds a router over the given catalog. taskMap may be nil to use
// DefaultTaskCapabilities.
func New(cat *catalog.Catalog, taskMap map[TaskCategory]catalog.Capability) *Router {
	if taskMap == nil {
		taskMap = DefaultTaskCapabilities
	}
	return &Router{catalog: cat, tasks: taskMap}
}

// Select returns the model id to use for one call. budgetCeiling caps the
// expected per-call cost in USD; zero means no ceiling.
func (r *Router) Select(category TaskCategory, complexity Complexity, budgetCeiling float64) (string, error) {
	candidates := r.candidates(category)
	if len(candidates) == 0 {
		return "", fmt.Errorf("router: no model available for category %q", category)
	}

	// Code-heavy categories are confined to the code-capable tier, even at
	// complex where the generic rule would pick the premium general model.
	// Within that tier the complexity ranking still applies: simple and
	// medium stay on the cheapest capable model.
	if category == TaskCodeGeneration || category == TaskFrameworkConversion {
		switch complexity {
		case Simple, Medium:
			return best(candidates, byCost), nil
		case Complex:
			return best(candidates, byQuality), nil
		default:
			return "", fmt.Errorf("router: unknown complexity %q", complexity)
		}
	}

	switch complexity {
	case Simple:
		return best(candidates, byCost), nil
	case Medium:
		mid := midTier(candidates)
		if budgetCeiling > 0 && expectedCallCost(mid) > budgetCeiling {
			return best(candidates, byCost), nil
		}
		return mid.ID, nil
	case Complex:
		return best(candidates, byQuality), nil
	default:
		return "", fmt.Errorf("router: unknown complexity %q", complexity)
	}
}

func (r *Router) candidates(category TaskCategory) []catalog.Descriptor {
	required, ok := r.tasks[category]
	if ok {
		if matched := r.catalog.WithCapability(required); len(matched) > 0 {
			return matched
		}
	}
	// Unknown category or no capable model: fall back to the general set.
	return r.catalog.WithCapability(catalog.CapGeneral)
}

// expectedCallCost is a nominal per-call projection used only for budget
// downgrades: 2000 input and 500 output tokens.
func expectedCallCost(d catalog.Descriptor) float64 {
	return 2000.0/1e6*d.InputPrice + 500.0/1e6*d.OutputPrice
}

type ranking func(a, b catalog.Descriptor) bool

// byCost prefers the cheapest model; ties broken by quality, then cost again.
func byCost(a, b catalog.Descriptor) bool {
	if a.InputPrice != b.InputPrice {
		return a.InputPrice < b.InputPrice
	}
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return a.OutputPrice < b.OutputPrice
}

// byQuality prefers the highest-capability model; ties broken by lowest cost.
func byQuality(a, b catalog.Descriptor) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return a.InputPrice < b.InputPrice
}

func best(candidates []catalog.Descriptor, less ranking) string {
	sorted := make([]catalog.Descriptor, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return sorted[0].ID
}

// midTier picks the middle of the cost-ordered candidate set.
func midTier(candidates []catalog.Descriptor) catalog.Descriptor {
	sorted := make([]catalog.Descriptor, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return byCost(sorted[i], sorted[j]) })
	return sorted[len(sorted)/2]
}
