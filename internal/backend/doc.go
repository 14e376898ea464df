// Package backend defines the isolation providers that host units of work
// (inline, isolated scope, worker process), the registry that maps resolved
// strategies to providers, and the pure policy that resolves a WorkSpec's
// requested isolation level into a concrete strategy.
package backend
