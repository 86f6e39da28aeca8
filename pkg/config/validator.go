package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// KnownModes lists the execution modes the runner can dispatch.
var KnownModes = []string{"plan", "step", "assistant", "workflow", "openai", "agent", "research", "chat", "loop_next"}

var knownProviders = map[string]struct{}{"anthropic": {}, "openai": {}}

// ValidateSettings checks the merged Settings structure for logical consistency.
// Aggregates all failures using errors.Join so callers can surface every issue at once.
func ValidateSettings(s *Settings) error {
	if s == nil {
		return errors.New("settings is nil")
	}
	var errs []error

	if s.RequestsPerMinute != nil && *s.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("requestsPerMinute must be >= 0, got %d", *s.RequestsPerMinute))
	}
	if s.Pool != nil && (s.Pool.Size < 0 || s.Pool.Queue < 0) {
		errs = append(errs, errors.New("pool size and queue must be >= 0"))
	}
	for _, mode := range s.SyncModes {
		if !isKnownMode(mode) {
			errs = append(errs, fmt.Errorf("syncModes: unknown mode %q", mode))
		}
	}
	errs = append(errs, validateModels(s.Models)...)
	errs = append(errs, validateAgents(s.Agents)...)
	errs = append(errs, validateHooks(s.Hooks)...)
	for name, spec := range s.MCPServers {
		if strings.TrimSpace(spec) == "" {
			errs = append(errs, fmt.Errorf("mcpServers[%s]: empty server spec", name))
		}
	}
	if s.Tracing != nil && (s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1) {
		errs = append(errs, fmt.Errorf("tracing.sampleRate must be within [0,1], got %v", s.Tracing.SampleRate))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateModels(models map[string]ModelConfig) []error {
	var errs []error
	for _, id := range sortedKeys(models) {
		m := models[id]
		if _, ok := knownProviders[m.Provider]; !ok {
			errs = append(errs, fmt.Errorf("models[%s]: unknown provider %q", id, m.Provider))
		}
		for _, mode := range m.Modes {
			if !isKnownMode(mode) {
				errs = append(errs, fmt.Errorf("models[%s]: unknown mode %q", id, mode))
			}
		}
		for from, to := range m.Fallback {
			if !isKnownMode(from) || !isKnownMode(to) {
				errs = append(errs, fmt.Errorf("models[%s]: invalid fallback %s -> %s", id, from, to))
			}
		}
	}
	return errs
}

func validateAgents(agents map[string]AgentConfig) []error {
	var errs []error
	for _, id := range sortedKeys(agents) {
		a := agents[id]
		if !isKnownMode(a.Mode) {
			errs = append(errs, fmt.Errorf("agents[%s]: unknown mode %q", id, a.Mode))
		}
		if a.SubMode != "" && !isKnownMode(a.SubMode) {
			errs = append(errs, fmt.Errorf("agents[%s]: unknown subMode %q", id, a.SubMode))
		}
	}
	return errs
}

func validateHooks(hooks []HookConfig) []error {
	var errs []error
	for i, h := range hooks {
		if strings.TrimSpace(h.Event) == "" {
			errs = append(errs, fmt.Errorf("hooks[%d]: event is required", i))
		}
		if strings.TrimSpace(h.Command) == "" {
			errs = append(errs, fmt.Errorf("hooks[%d]: command is required", i))
		}
		if h.Match != "" {
			if _, err := regexp.Compile(h.Match); err != nil {
				errs = append(errs, fmt.Errorf("hooks[%d]: invalid match: %w", i, err))
			}
		}
		if h.Timeout != "" {
			if d, err := time.ParseDuration(h.Timeout); err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("hooks[%d]: invalid timeout %q", i, h.Timeout))
			}
		}
	}
	return errs
}

func isKnownMode(mode string) bool {
	for _, m := range KnownModes {
		if m == mode {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
