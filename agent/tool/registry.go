package tool

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

const (
	defaultToolTimeout    = 10 * time.Second
	defaultMaxConcurrency = 8

	CodeInvalidArguments = "INVALID_ARGUMENTS"
)

// Provider is a tool-provider service addressed by a base URL and a bearer token.
type Provider struct {
	Name           string `yaml:"-"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	MaxConcurrency int64  `yaml:"max_concurrency"`
}

// Descriptor is an immutable registry entry. Endpoint is always absolute after load.
type Descriptor struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Provider      string         `yaml:"provider"`
	Endpoint      string         `yaml:"endpoint"`
	RequestSchema map[string]any `yaml:"request_schema"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxRetries    int            `yaml:"max_retries"`
	Idempotent    bool           `yaml:"idempotent"`
	Internal      bool           `yaml:"internal"`
}

type registryFile struct {
	Providers map[string]Provider `yaml:"providers"`
	Tools     []Descriptor        `yaml:"tools"`
}

// Registry maps tool names to descriptors. It is read-only after load.
type Registry struct {
	tools     map[string]Descriptor
	providers map[string]Provider
	schemas   map[string]*gojsonschema.Schema
}

var _ contractx.ToolCatalog = (*Registry)(nil)

// LoadRegistry reads the registry from path, or the built-in registry when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return ParseRegistry(defaultRegistry)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry decodes a registry document after expanding ${VAR} and
// ${VAR:-default} references from the environment.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal([]byte(expandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("decode tool registry: %w", err)
	}

	r := &Registry{
		tools:     make(map[string]Descriptor, len(file.Tools)),
		providers: make(map[string]Provider, len(file.Providers)),
		schemas:   make(map[string]*gojsonschema.Schema, len(file.Tools)),
	}
	for name, p := range file.Providers {
		p.Name = name
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = defaultMaxConcurrency
		}
		r.providers[name] = p
	}

	var errs []error
	for _, d := range file.Tools {
		if err := r.add(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errors.New("tool registry: tool without name")
	}
	if _, dup := r.tools[d.Name]; dup {
		return fmt.Errorf("tool registry: duplicate tool %q", d.Name)
	}
	p, ok := r.providers[d.Provider]
	if !ok {
		return fmt.Errorf("tool registry: tool %q references unknown provider %q", d.Name, d.Provider)
	}

	endpoint, err := resolveEndpoint(p.BaseURL, d)
	if err != nil {
		return err
	}
	d.Endpoint = endpoint
	if d.Timeout <= 0 {
		d.Timeout = defaultToolTimeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.RequestSchema == nil {
		d.RequestSchema = map[string]any{"type": "object"}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.RequestSchema))
	if err != nil {
		return fmt.Errorf("tool registry: schema for %q: %w", d.Name, err)
	}
	r.tools[d.Name] = d
	r.schemas[d.Name] = schema
	return nil
}

// resolveEndpoint joins a relative endpoint onto the provider base URL. Tools
// without an endpoint are served at {base}/tools/{name}.
func resolveEndpoint(base string, d Descriptor) (string, error) {
	endpoint := strings.TrimSpace(d.Endpoint)
	if endpoint == "" {
		endpoint = "/tools/" + d.Name
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = base + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("tool registry: tool %q has invalid endpoint %q", d.Name, endpoint)
	}
	return u.String(), nil
}

func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", contractx.ErrToolNotFound, name)
	}
	return d, nil
}

func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns every configured provider sorted by name.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArguments checks args against the tool's request schema. A failure is a
// provider_rejected tool error so the model can correct itself.
func (r *Registry) ValidateArguments(d Descriptor, args map[string]any) error {
	schema, ok := r.schemas[d.Name]
	if !ok {
		return fmt.Errorf("%w: %s", contractx.ErrToolNotFound, d.Name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &contractx.ToolError{
			Kind:    contractx.ErrProviderRejected,
			Tool:    d.Name,
			Code:    CodeInvalidArguments,
			Message: "arguments are not valid JSON",
			Err:     err,
		}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &contractx.ToolError{
		Kind:    contractx.ErrProviderRejected,
		Tool:    d.Name,
		Code:    CodeInvalidArguments,
		Message: strings.Join(msgs, "; "),
	}
}

// Catalog lists the tools the model may call, sorted by name.
func (r *Registry) Catalog() []contractx.ToolSpec {
	out := make([]contractx.ToolSpec, 0, len(r.tools))
	for _, d := range r.tools {
		if d.Internal {
			continue
		}
		out = append(out, contractx.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.RequestSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
