package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ForkOptions holds process-level settings. They are only honoured when work
// runs in a separate worker process.
type ForkOptions struct {
	MinHeapMB        int               `json:"min_heap_mb,omitempty"`
	MaxHeapMB        int               `json:"max_heap_mb,omitempty"`
	SystemProperties map[string]string `json:"system_properties,omitempty"`
	WorkingDir       string            `json:"working_dir,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Args             []string          `json:"args,omitempty"`
}

// IsDefault reports whether no option has been customised. Empty maps and
// slices count as unset.
func (o ForkOptions) IsDefault() bool {
	return o.MinHeapMB == 0 &&
		o.MaxHeapMB == 0 &&
		len(o.SystemProperties) == 0 &&
		o.WorkingDir == "" &&
		len(o.Environment) == 0 &&
		len(o.Args) == 0
}

// Clone returns a deep copy of o.
func (o ForkOptions) Clone() ForkOptions {
	c := o
	c.SystemProperties = maps.Clone(o.SystemProperties)
	c.Environment = maps.Clone(o.Environment)
	c.Args = slices.Clone(o.Args)
	return c
}

// Validate checks heap bounds.
func (o ForkOptions) Validate() error {
	if o.MinHeapMB < 0 || o.MaxHeapMB < 0 {
		return errors.New("heap sizes must not be negative")
	}
	if o.MaxHeapMB > 0 && o.MinHeapMB > o.MaxHeapMB {
		return fmt.Errorf("min heap %dMB exceeds max heap %dMB", o.MinHeapMB, o.MaxHeapMB)
	}
	return nil
}

// WorkSpec declares how a unit of work should be isolated. A WorkSpec handed to
// the engine is cloned; the caller may keep mutating its own copy.
type WorkSpec struct {
	Classpath   []string       `json:"classpath,omitempty"`
	ForkOptions ForkOptions    `json:"fork_options"`
	Isolation   IsolationLevel `json:"isolation"`
	DisplayName string         `json:"display_name,omitempty"`
}

// Clone returns a deep copy of s.
func (s WorkSpec) Clone() WorkSpec {
	c := s
	c.Classpath = slices.Clone(s.Classpath)
	c.ForkOptions = s.ForkOptions.Clone()
	return c
}

// Validate checks the isolation level and fork options.
func (s WorkSpec) Validate() error {
	if !s.Isolation.Valid() {
		return fmt.Errorf("unknown isolation level %q", s.Isolation)
	}
	if err := s.ForkOptions.Validate(); err != nil {
		return fmt.Errorf("fork options: %w", err)
	}
	return nil
}

// Label returns the display name, or fallback when none was set.
func (s WorkSpec) Label(fallback string) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return fallback
}

// SpecBuilder assembles a WorkSpec. It is owned by the caller and never shared
// with the engine; Build hands out an independent copy.
type SpecBuilder struct {
	spec WorkSpec
}

// NewSpec starts a builder with auto isolation and no classpath.
func NewSpec() *SpecBuilder {
	return &SpecBuilder{spec: WorkSpec{Isolation: IsolationAuto}}
}

// Classpath appends files to the classpath.
func (b *SpecBuilder) Classpath(files ...string) *SpecBuilder {
	b.spec.Classpath = append(b.spec.Classpath, files...)
	return b
}

// SetClasspath replaces the classpath.
func (b *SpecBuilder) SetClasspath(files ...string) *SpecBuilder {
	b.spec.Classpath = slices.Clone(files)
	return b
}

// Isolation sets the requested isolation level.
func (b *SpecBuilder) Isolation(l IsolationLevel) *SpecBuilder {
	b.spec.Isolation = l
	return b
}

// Fork runs configure against the builder's fork options.
func (b *SpecBuilder) Fork(configure func(*ForkOptions)) *SpecBuilder {
	configure(&b.spec.ForkOptions)
	return b
}

// DisplayName sets the human-readable label.
func (b *SpecBuilder) DisplayName(name string) *SpecBuilder {
	b.spec.DisplayName = name
	return b
}

// Build validates and returns a copy of the assembled spec.
func (b *SpecBuilder) Build() (WorkSpec, error) {
	s := b.spec.Clone()
	s.Isolation = s.Isolation.Normalize()
	if err := s.Validate(); err != nil {
		return WorkSpec{}, err
	}
	return s, nil
}
