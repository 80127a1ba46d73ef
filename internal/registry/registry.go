// Package registry loads the YAML model catalog, applies operator overrides,
// and serves lookup and filter queries. The model collection is read-only
// once Load returns.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"gopkg.in/yaml.v3"
)

const fetchTimeout = 10 * time.Second

// catalogModel shadows Model to give Available a true default when the
// catalog omits it.
type catalogModel struct {
	Model     `yaml:",inline"`
	Available *bool `yaml:"available"`
}

type catalog struct {
	Models []catalogModel `yaml:"models"`
}

// Override adjusts one catalog entry, matched by name and — when set — by
// provider and model_id. Only non-nil fields are applied.
type Override struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"model_id,omitempty"`

	Available       *bool    `json:"available,omitempty"`
	Weight          *int     `json:"weight,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Type            *string  `json:"type,omitempty"`
	Speed           *string  `json:"speed,omitempty"`
	ContextSize     *int     `json:"context_size,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	MaxConcurrent   *int     `json:"max_concurrent,omitempty"`
}

// ParseOverrides decodes the ROUTER_MODEL_OVERRIDES JSON array. An empty
// string yields no overrides.
func ParseOverrides(raw string) ([]Override, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []Override
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &ConfigError{Detail: "parse model overrides", Err: err}
	}
	for i, o := range out {
		if o.Name == "" {
			return nil, &ConfigError{Detail: fmt.Sprintf("override %d has no name", i)}
		}
	}
	return out, nil
}

// Registry is the loaded model catalog.
type Registry struct {
	source    string
	overrides []Override
	client    *fasthttp.Client
	log       *slog.Logger

	models []Model
	byName map[string]*Model
}

// New creates an unloaded registry for source (a file path or an http(s)
// URL). Call Load before use. log may be nil.
func New(source string, overrides []Override, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		source:    source,
		overrides: overrides,
		client: &fasthttp.Client{
			ReadTimeout:  fetchTimeout,
			WriteTimeout: fetchTimeout,
		},
		log: log,
	}
}

// Load reads the catalog, applies overrides, and validates the result. The
// registry must not be used if Load fails.
func (r *Registry) Load(ctx context.Context) error {
	raw, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	var cat catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return &ConfigError{Detail: "parse catalog", Err: err}
	}
	if len(cat.Models) == 0 {
		return &ConfigError{Detail: "catalog defines no models"}
	}

	models := make([]Model, 0, len(cat.Models))
	for _, cm := range cat.Models {
		m := cm.Model
		m.Available = cm.Available == nil || *cm.Available
		if m.Weight == 0 {
			m.Weight = 1
		}
		if m.Priority == 0 {
			m.Priority = 1
		}
		models = append(models, m)
	}

	r.applyOverrides(models)

	if err := validate(models); err != nil {
		return err
	}

	byName := make(map[string]*Model, len(models))
	for i := range models {
		byName[models[i].Name] = &models[i]
	}
	r.models = models
	r.byName = byName

	r.log.Info("model catalog loaded",
		slog.String("source", r.source),
		slog.Int("models", len(models)),
		slog.Int("overrides", len(r.overrides)),
	)
	return nil
}

func (r *Registry) fetch(ctx context.Context) ([]byte, error) {
	if strings.HasPrefix(r.source, "http://") || strings.HasPrefix(r.source, "https://") {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(r.source)
		req.Header.SetMethod(fasthttp.MethodGet)

		deadline := time.Now().Add(fetchTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := r.client.DoDeadline(req, resp, deadline); err != nil {
			return nil, &IOError{Source: r.source, Err: err}
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			return nil, &IOError{Source: r.source, Err: fmt.Errorf("http %d", resp.StatusCode())}
		}
		return append([]byte(nil), resp.Body()...), nil
	}

	raw, err := os.ReadFile(r.source)
	if err != nil {
		return nil, &IOError{Source: r.source, Err: err}
	}
	return raw, nil
}

// applyOverrides patches matching models in place. Unknown targets are
// logged and ignored.
func (r *Registry) applyOverrides(models []Model) {
	for _, o := range r.overrides {
		matched := false
		for i := range models {
			m := &models[i]
			if m.Name != o.Name {
				continue
			}
			if o.Provider != "" && m.Provider != o.Provider {
				continue
			}
			if o.ModelID != "" && m.ModelID != o.ModelID {
				continue
			}
			matched = true

			if o.Available != nil {
				m.Available = *o.Available
			}
			if o.Weight != nil {
				m.Weight = *o.Weight
			}
			if o.Priority != nil {
				m.Priority = *o.Priority
			}
			if o.Tags != nil {
				m.Tags = append([]string(nil), o.Tags...)
			}
			if o.Type != nil {
				m.Type = *o.Type
			}
			if o.Speed != nil {
				m.Speed = *o.Speed
			}
			if o.ContextSize != nil {
				m.ContextSize = *o.ContextSize
			}
			if o.MaxOutputTokens != nil {
				m.MaxOutputTokens = *o.MaxOutputTokens
			}
			if o.MaxConcurrent != nil {
				m.MaxConcurrent = *o.MaxConcurrent
			}
		}
		if !matched {
			r.log.Warn("model override target not found",
				slog.String("name", o.Name),
				slog.String("provider", o.Provider),
			)
		}
	}
}

func validate(models []Model) error {
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		switch {
		case m.Name == "":
			return &ConfigError{Detail: "model with empty name"}
		case seen[m.Name]:
			return &ConfigError{Detail: fmt.Sprintf("duplicate model name %q", m.Name)}
		case m.Provider == "":
			return &ConfigError{Detail: fmt.Sprintf("model %q has no provider", m.Name)}
		case m.ModelID == "":
			return &ConfigError{Detail: fmt.Sprintf("model %q has no model_id", m.Name)}
		case m.Weight < 1 || m.Weight > 100:
			return &ConfigError{Detail: fmt.Sprintf("model %q weight %d outside [1,100]", m.Name, m.Weight)}
		case m.ContextSize <= 0:
			return &ConfigError{Detail: fmt.Sprintf("model %q context_size must be positive", m.Name)}
		case m.MaxOutputTokens <= 0:
			return &ConfigError{Detail: fmt.Sprintf("model %q max_output_tokens must be positive", m.Name)}
		}
		seen[m.Name] = true
	}
	return nil
}

// GetAll returns every model, including administratively disabled ones.
func (r *Registry) GetAll() []Model {
	return r.models
}

// GetAvailable returns the models with available=true.
func (r *Registry) GetAvailable() []Model {
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if m.Available {
			out = append(out, m)
		}
	}
	return out
}

// FindByName resolves name, accepting the "provider/name" form.
func (r *Registry) FindByName(name string) *Model {
	provider, bare := SplitProviderModel(name)
	if provider != "" {
		return r.FindByNameAndProvider(bare, provider)
	}
	return r.byName[bare]
}

// FindByNameAndProvider resolves name and, when provider is non-empty,
// requires it to match.
func (r *Registry) FindByNameAndProvider(name, provider string) *Model {
	m := r.byName[name]
	if m == nil {
		return nil
	}
	if provider != "" && m.Provider != provider {
		return nil
	}
	return m
}
