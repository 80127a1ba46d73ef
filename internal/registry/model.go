package registry

import "strings"

// Model types and speeds accepted by the catalog.
const (
	TypeFast      = "fast"
	TypeReasoning = "reasoning"

	SpeedFast   = "fast"
	SpeedMedium = "medium"
	SpeedSlow   = "slow"
)

// Model is one catalog entry. The collection is immutable after Load;
// overrides are applied before the registry is published.
type Model struct {
	// Name is the fleet-unique identifier clients route by.
	Name string `yaml:"name" json:"name"`

	// Provider names the adapter that serves this model.
	Provider string `yaml:"provider" json:"provider"`

	// ModelID is the provider-side identifier sent on the wire.
	ModelID string `yaml:"model_id" json:"model_id"`

	Type  string `yaml:"type" json:"type"`
	Speed string `yaml:"speed" json:"speed"`

	ContextSize     int `yaml:"context_size" json:"context_size"`
	MaxOutputTokens int `yaml:"max_output_tokens" json:"max_output_tokens"`

	Tags []string `yaml:"tags" json:"tags,omitempty"`

	JSONResponse   bool `yaml:"json_response" json:"json_response"`
	SupportsImage  bool `yaml:"supports_image" json:"supports_image"`
	SupportsVideo  bool `yaml:"supports_video" json:"supports_video"`
	SupportsAudio  bool `yaml:"supports_audio" json:"supports_audio"`
	SupportsFile   bool `yaml:"supports_file" json:"supports_file"`
	SupportsTools  bool `yaml:"supports_tools" json:"supports_tools"`
	SupportsVision bool `yaml:"supports_vision" json:"supports_vision"`

	// Available is the administrative enable switch; defaults to true.
	Available bool `yaml:"-" json:"available"`

	// Weight biases weighted-random selection, 1–100, default 1.
	Weight int `yaml:"weight" json:"weight"`

	// Priority orders candidates where relevant; lower is higher, default 1.
	Priority int `yaml:"priority" json:"priority"`

	// MaxConcurrent caps in-flight requests to this model; 0 means uncapped.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent,omitempty"`
}

// Key returns the "provider/name" form.
func (m *Model) Key() string { return m.Provider + "/" + m.Name }

// HasTags reports whether every tag in the group is present on the model.
func (m *Model) HasTags(group []string) bool {
	for _, want := range group {
		found := false
		for _, t := range m.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SplitProviderModel splits the "provider/name" form. When s carries no
// slash, provider is empty and name is s unchanged.
func SplitProviderModel(s string) (provider, name string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
