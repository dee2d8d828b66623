package completion

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ashureev/chatkeeper/internal/config"
	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// defaultModels is the built-in list offered when no catalog file is configured.
var defaultModels = []string{
	"gpt-4",
	"gpt-4o",
	"gpt-4o-mini",
	"claude",
	"deepseek-chat",
	"deepseek-r1",
	"llama-3.3-70b",
	"mistral-nemo",
	"qwen-2.5-72b",
	"qwen-2.5-coder-32b",
	"gemini-2.0-flash-thinking",
	"gemini-2.0-flash",
}

// Catalog is the set of models a user may select.
type Catalog struct {
	models       []string
	defaultModel string
}

type catalogFile struct {
	Default string   `yaml:"default"`
	Models  []string `yaml:"models"`
}

// NewCatalog builds a catalog. An empty models list falls back to the
// built-in list. The default model is always selectable.
func NewCatalog(defaultModel string, models []string) *Catalog {
	if len(models) == 0 {
		models = defaultModels
	}
	seen := make(map[string]bool, len(models)+1)
	list := make([]string, 0, len(models)+1)
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		list = append(list, m)
	}
	if defaultModel != "" && !seen[defaultModel] {
		list = append([]string{defaultModel}, list...)
	}
	return &Catalog{models: list, defaultModel: defaultModel}
}

// LoadCatalog reads a YAML catalog file. An empty path yields the built-in
// catalog. A default set in the file overrides defaultModel. Names longer
// than config.MaxModelNameBytes are rejected.
func LoadCatalog(path, defaultModel string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(defaultModel, nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model catalog %s lists no models", path)
	}
	if f.Default != "" {
		defaultModel = f.Default
	}
	for _, m := range append([]string{defaultModel}, f.Models...) {
		if n := len(strings.TrimSpace(m)); n > config.MaxModelNameBytes {
			return nil, fmt.Errorf("model catalog %s: model %q is %d bytes, limit %d: %w",
				path, m, n, config.MaxModelNameBytes, errdefs.ErrInvalidArgument)
		}
	}
	return NewCatalog(defaultModel, f.Models), nil
}

// Models returns the selectable models in display order.
func (c *Catalog) Models() []string {
	return slices.Clone(c.models)
}

// Default returns the process-wide default model.
func (c *Catalog) Default() string {
	return c.defaultModel
}

// Contains reports whether model can be selected.
func (c *Catalog) Contains(model string) bool {
	return slices.Contains(c.models, model)
}
