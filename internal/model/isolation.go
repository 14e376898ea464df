package model

import "fmt"

// IsolationLevel is the degree of sandboxing a caller requests for a unit of work.
// The zero value is treated as IsolationAuto.
type IsolationLevel string

// Isolation level constants.
const (
	IsolationNone        IsolationLevel = "none"
	IsolationClassloader IsolationLevel = "classloader"
	IsolationProcess     IsolationLevel = "process"
	IsolationAuto        IsolationLevel = "auto"
)

// Normalize maps the empty level to IsolationAuto.
func (l IsolationLevel) Normalize() IsolationLevel {
	if l == "" {
		return IsolationAuto
	}
	return l
}

// Valid reports whether l is one of the known isolation levels (or empty).
func (l IsolationLevel) Valid() bool {
	switch l.Normalize() {
	case IsolationNone, IsolationClassloader, IsolationProcess, IsolationAuto:
		return true
	}
	return false
}

// ParseIsolationLevel converts user input into an IsolationLevel.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	l := IsolationLevel(s).Normalize()
	if !l.Valid() {
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
	return l, nil
}

// Strategy is a concrete isolation strategy. Unlike IsolationLevel it has no
// automatic member: a Strategy is what an auto request resolves to.
type Strategy string

// Strategy constants.
const (
	StrategyInline      Strategy = "inline"
	StrategyClassloader Strategy = "classloader_isolated"
	StrategyProcess     Strategy = "process_isolated"
)

// Strategies lists every concrete strategy in order of increasing cost.
var Strategies = []Strategy{StrategyInline, StrategyClassloader, StrategyProcess}
