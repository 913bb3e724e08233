package domain

// FallbackStrategy selects how Resolver orders eligible providers for a model.
type FallbackStrategy string

const (
	StrategyNone        FallbackStrategy = "none"
	StrategyRoundRobin  FallbackStrategy = "round_robin"
	StrategyPriority    FallbackStrategy = "priority"
	StrategyRandom      FallbackStrategy = "random"
	StrategyHealthBased FallbackStrategy = "health_based"
)

// FallbackPolicy configures fallback ordering for one dyadModelId. When a
// model has no policy, the Resolver defaults to StrategyPriority over every
// provider that serves the model, sorted by Provider.Priority.
type FallbackPolicy struct {
	DyadModelID   string
	Strategy      FallbackStrategy
	ProviderIDs   []string // candidate set; empty means "all providers serving the model"
	MaxAttempts   int      // default 3, max 10
	RetryDelayMs  int
	Enabled       bool
}

// EffectiveMaxAttempts applies the spec's default/cap.
func (f *FallbackPolicy) EffectiveMaxAttempts() int {
	n := f.MaxAttempts
	if n <= 0 {
		n = 3
	}
	if n > 10 {
		n = 10
	}
	return n
}
