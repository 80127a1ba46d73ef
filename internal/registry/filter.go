package registry

import "strings"

// FilterCriteria narrows the available models. Zero-valued fields are not
// applied; boolean capability fields require the capability when true.
type FilterCriteria struct {
	// Tags is a disjunction of groups; each group is a conjunction of
	// required tags ("a&b"). A model matches when any one group is fully
	// satisfied.
	Tags []string

	Type               string
	MinContextSize     int
	MinMaxOutputTokens int
	JSONResponse       bool
	SupportsImage      bool
	SupportsVideo      bool
	SupportsAudio      bool
	SupportsFile       bool
	SupportsTools      bool
	SupportsVision     bool
	Provider           string
}

// ParseTagGroups splits the string form into groups: comma-separated groups
// of &-joined tags, e.g. "cheap&fast,premium" matches (cheap AND fast) OR
// premium.
func ParseTagGroups(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			groups = append(groups, p)
		}
	}
	return groups
}

// Filter returns the available models matching every provided criterion.
func (r *Registry) Filter(c FilterCriteria) []Model {
	out := make([]Model, 0, len(r.models))
	for _, m := range r.GetAvailable() {
		if matches(&m, c) {
			out = append(out, m)
		}
	}
	return out
}

func matches(m *Model, c FilterCriteria) bool {
	if len(c.Tags) > 0 && !matchesTagGroups(m, c.Tags) {
		return false
	}
	if c.Type != "" && m.Type != c.Type {
		return false
	}
	if c.MinContextSize > 0 && m.ContextSize < c.MinContextSize {
		return false
	}
	if c.MinMaxOutputTokens > 0 && m.MaxOutputTokens < c.MinMaxOutputTokens {
		return false
	}
	if c.JSONResponse && !m.JSONResponse {
		return false
	}
	if c.SupportsImage && !m.SupportsImage {
		return false
	}
	if c.SupportsVideo && !m.SupportsVideo {
		return false
	}
	if c.SupportsAudio && !m.SupportsAudio {
		return false
	}
	if c.SupportsFile && !m.SupportsFile {
		return false
	}
	if c.SupportsTools && !m.SupportsTools {
		return false
	}
	if c.SupportsVision && !m.SupportsVision {
		return false
	}
	if c.Provider != "" && m.Provider != c.Provider {
		return false
	}
	return true
}

func matchesTagGroups(m *Model, groups []string) bool {
	for _, g := range groups {
		required := strings.Split(g, "&")
		for i := range required {
			required[i] = strings.TrimSpace(required[i])
		}
		if m.HasTags(required) {
			return true
		}
	}
	return false
}
