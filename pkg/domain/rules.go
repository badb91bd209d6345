package domain

import "context"

// RuleView provides read-only access to the transactional stage state for
// rule evaluation. Implementations expose the working (post-apply) state.
type RuleView interface {
	Stage() StageID
	Variant() string
	ListActivities() []Activity
	FindActivity(id string) (Activity, bool)
	FindResource(id string) (Resource, bool)
	ActivityType(id string) (ActivityType, bool)
}

// Rule defines an invariant evaluation executed within a mutation boundary.
// Rules receive the change set so they can keep their cost proportional to
// the mutation rather than the whole stage.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
