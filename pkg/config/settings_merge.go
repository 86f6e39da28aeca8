package config

// This file provides pure merge helpers for Settings. All functions return
// new objects and never mutate inputs.

// MergeSettings deep-merges two Settings structs (lower <- higher) and returns a new instance.
//   - *bool / *int pointers: higher non-nil overrides lower.
//   - Maps: merged per key with higher entries overriding.
//   - []string: concatenated with de-duplication, preserving order.
//   - SyncModes and Hooks: a non-empty higher list replaces the lower one.
func MergeSettings(lower, higher *Settings) *Settings {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneSettings(higher)
	}
	if higher == nil {
		return cloneSettings(lower)
	}

	result := cloneSettings(lower)
	if higher.RequestsPerMinute != nil {
		result.RequestsPerMinute = intPtr(*higher.RequestsPerMinute)
	}
	if higher.LogEvents != nil {
		result.LogEvents = boolPtr(*higher.LogEvents)
	}
	result.LogDenylist = mergeStringSlices(lower.LogDenylist, higher.LogDenylist)
	result.Kernel = mergeKernel(lower.Kernel, higher.Kernel)
	result.Pool = mergePool(lower.Pool, higher.Pool)
	if len(higher.SyncModes) > 0 {
		result.SyncModes = append([]string(nil), higher.SyncModes...)
	}
	result.Models = mergeMaps(lower.Models, higher.Models, cloneModel)
	result.Agents = mergeMaps(lower.Agents, higher.Agents, func(a AgentConfig) AgentConfig { return a })
	if len(higher.Hooks) > 0 {
		result.Hooks = append([]HookConfig(nil), higher.Hooks...)
	}
	if higher.DisableAllHooks != nil {
		result.DisableAllHooks = boolPtr(*higher.DisableAllHooks)
	}
	result.MCPServers = mergeMaps(lower.MCPServers, higher.MCPServers, func(s string) string { return s })
	if higher.Index != nil {
		idx := *higher.Index
		result.Index = &idx
	}
	if higher.Tracing != nil {
		tr := *higher.Tracing
		result.Tracing = &tr
	}
	return result
}

func mergeKernel(lower, higher *KernelConfig) *KernelConfig {
	if lower == nil && higher == nil {
		return nil
	}
	out := &KernelConfig{}
	if lower != nil {
		out.Async = clonePtr(lower.Async)
		out.Threaded = clonePtr(lower.Threaded)
	}
	if higher != nil {
		if higher.Async != nil {
			out.Async = boolPtr(*higher.Async)
		}
		if higher.Threaded != nil {
			out.Threaded = boolPtr(*higher.Threaded)
		}
	}
	return out
}

func mergePool(lower, higher *PoolConfig) *PoolConfig {
	if lower == nil && higher == nil {
		return nil
	}
	out := &PoolConfig{}
	if lower != nil {
		*out = *lower
	}
	if higher != nil {
		if higher.Size > 0 {
			out.Size = higher.Size
		}
		if higher.Queue > 0 {
			out.Queue = higher.Queue
		}
	}
	return out
}

func cloneSettings(src *Settings) *Settings {
	if src == nil {
		return nil
	}
	out := *src
	out.RequestsPerMinute = clonePtr(src.RequestsPerMinute)
	out.LogEvents = clonePtr(src.LogEvents)
	out.LogDenylist = append([]string(nil), src.LogDenylist...)
	out.Kernel = mergeKernel(src.Kernel, nil)
	out.Pool = mergePool(src.Pool, nil)
	out.SyncModes = append([]string(nil), src.SyncModes...)
	out.Models = mergeMaps(src.Models, nil, cloneModel)
	out.Agents = mergeMaps(src.Agents, nil, func(a AgentConfig) AgentConfig { return a })
	out.Hooks = append([]HookConfig(nil), src.Hooks...)
	out.DisableAllHooks = clonePtr(src.DisableAllHooks)
	out.MCPServers = mergeMaps(src.MCPServers, nil, func(s string) string { return s })
	if src.Index != nil {
		idx := *src.Index
		out.Index = &idx
	}
	if src.Tracing != nil {
		tr := *src.Tracing
		out.Tracing = &tr
	}
	return &out
}

func cloneModel(m ModelConfig) ModelConfig {
	out := m
	out.Modes = append([]string(nil), m.Modes...)
	out.NoStream = append([]string(nil), m.NoStream...)
	out.Fallback = mergeMaps(m.Fallback, nil, func(s string) string { return s })
	return out
}

func mergeMaps[V any](lower, higher map[string]V, clone func(V) V) map[string]V {
	if len(lower) == 0 && len(higher) == 0 {
		return nil
	}
	out := make(map[string]V, len(lower)+len(higher))
	for k, v := range lower {
		out[k] = clone(v)
	}
	for k, v := range higher {
		out[k] = clone(v)
	}
	return out
}

func mergeStringSlices(lower, higher []string) []string {
	if len(lower) == 0 && len(higher) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(lower)+len(higher))
	out := make([]string, 0, len(lower)+len(higher))
	for _, list := range [][]string{lower, higher} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	dup := *v
	return &dup
}
