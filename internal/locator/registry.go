// Package locator resolves named UI roles into accessibility query
// descriptors. Each role maps to an ordered chain of match strategies tried
// in sequence; the first hit wins. Defaults cover the supervised editor's
// stock layout and can be overridden per role from a YAML file.
package locator

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Role names for the fixed observation vocabulary.
const (
	RoleMainInput           = "main_input"
	RoleGeneratingIndicator = "generating_indicator"
	RoleErrorBanner         = "error_banner"
	RoleStopGenerating      = "stop_generating"
	RoleConnectionError     = "connection_error"
	RoleResumeLink          = "resume_link"
	RoleSidebar             = "sidebar"
	RoleDevConsoleInput     = "dev_console_input"
)

// Strategy is one criteria/match pair in a descriptor's fallback chain.
type Strategy struct {
	ElementRole  string `yaml:"role"`
	TextContains string `yaml:"text_contains,omitempty"`
	MaxDepth     int    `yaml:"max_depth,omitempty"`
}

// QueryDescriptor is the resolved query for a named role.
type QueryDescriptor struct {
	Name       string     `yaml:"name"`
	Strategies []Strategy `yaml:"strategies"`
}

type Registry struct {
	mu        sync.RWMutex
	defaults  map[string]QueryDescriptor
	overrides map[string]QueryDescriptor
	cache     map[string]QueryDescriptor
}

func NewRegistry() *Registry {
	return &Registry{
		defaults:  defaultDescriptors(),
		overrides: map[string]QueryDescriptor{},
		cache:     map[string]QueryDescriptor{},
	}
}

// Resolve returns the descriptor for role, preferring a user override over
// the built-in default. Unknown roles resolve to nil.
func (r *Registry) Resolve(role string) *QueryDescriptor {
	r.mu.RLock()
	if d, ok := r.cache[role]; ok {
		r.mu.RUnlock()
		return &d
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.overrides[role]
	if !ok {
		d, ok = r.defaults[role]
	}
	if !ok {
		return nil
	}
	r.cache[role] = d
	return &d
}

// LoadOverrides replaces the override set from a YAML file keyed by role
// name. A missing file clears the overrides.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.setOverrides(map[string]QueryDescriptor{})
			return nil
		}
		return fmt.Errorf("read locator overrides: %w", err)
	}
	var raw map[string][]Strategy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse locator overrides: %w", err)
	}
	overrides := make(map[string]QueryDescriptor, len(raw))
	for role, strategies := range raw {
		if len(strategies) == 0 {
			continue
		}
		overrides[role] = QueryDescriptor{Name: role, Strategies: strategies}
	}
	r.setOverrides(overrides)
	return nil
}

func (r *Registry) setOverrides(overrides map[string]QueryDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = overrides
	r.cache = map[string]QueryDescriptor{}
}

func defaultDescriptors() map[string]QueryDescriptor {
	return map[string]QueryDescriptor{
		RoleMainInput: {
			Name: RoleMainInput,
			Strategies: []Strategy{
				{ElementRole: "AXTextArea", TextContains: "Ask anything", MaxDepth: 20},
				{ElementRole: "AXTextArea", TextContains: "Plan, search, build", MaxDepth: 20},
				{ElementRole: "AXTextField", MaxDepth: 25},
			},
		},
		RoleGeneratingIndicator: {
			Name: RoleGeneratingIndicator,
			Strategies: []Strategy{
				{ElementRole: "AXStaticText", TextContains: "Generating", MaxDepth: 20},
				{ElementRole: "AXStaticText", TextContains: "Thinking", MaxDepth: 20},
			},
		},
		RoleErrorBanner: {
			Name: RoleErrorBanner,
			Strategies: []Strategy{
				{ElementRole: "AXStaticText", TextContains: "something went wrong", MaxDepth: 20},
				{ElementRole: "AXStaticText", TextContains: "Error", MaxDepth: 15},
			},
		},
		RoleStopGenerating: {
			Name: RoleStopGenerating,
			Strategies: []Strategy{
				{ElementRole: "AXButton", TextContains: "Stop", MaxDepth: 20},
				{ElementRole: "AXButton", TextContains: "Cancel", MaxDepth: 20},
			},
		},
		RoleConnectionError: {
			Name: RoleConnectionError,
			Strategies: []Strategy{
				{ElementRole: "AXStaticText", TextContains: "connection failed", MaxDepth: 20},
				{ElementRole: "AXStaticText", TextContains: "check your internet", MaxDepth: 20},
			},
		},
		RoleResumeLink: {
			Name: RoleResumeLink,
			Strategies: []Strategy{
				{ElementRole: "AXLink", TextContains: "Resume", MaxDepth: 20},
				{ElementRole: "AXButton", TextContains: "Try again", MaxDepth: 20},
			},
		},
		RoleSidebar: {
			Name: RoleSidebar,
			Strategies: []Strategy{
				{ElementRole: "AXGroup", TextContains: "Chat", MaxDepth: 10},
			},
		},
		RoleDevConsoleInput: {
			Name: RoleDevConsoleInput,
			Strategies: []Strategy{
				{ElementRole: "AXTextField", TextContains: "Console", MaxDepth: 30},
			},
		},
	}
}
