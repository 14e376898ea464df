package backend

import "github.com/seantiz/isolane/internal/model"

// Resolve maps the isolation level requested by spec to a concrete strategy.
//
// Explicit levels always win. An auto request picks the cheapest isolation
// that still honours what the WorkSpec declares. Fork options can only be
// applied by a separate process and take precedence over a classpath.
func Resolve(spec model.WorkSpec) model.Strategy {
	switch spec.Isolation.Normalize() {
	case model.IsolationNone:
		return model.StrategyInline
	case model.IsolationClassloader:
		return model.StrategyClassloader
	case model.IsolationProcess:
		return model.StrategyProcess
	}

	if !spec.ForkOptions.IsDefault() {
		return model.StrategyProcess
	}
	if len(spec.Classpath) > 0 {
		return model.StrategyClassloader
	}
	return model.StrategyInline
}
