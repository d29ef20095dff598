// Package persona holds the catalog of assistant personas.
package persona

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// DefaultID is the persona used when a request names none.
const DefaultID = "default"

var builtins = []model.Persona{
	{
		ID:   DefaultID,
		Name: "Asistente",
		SystemPrompt: "You are a friendly Spanish conversation partner. Answer in natural, " +
			"everyday Spanish, keep replies concise, correct mistakes gently and keep the conversation going.",
		Fallback: "Perdona, no pude darte una buena respuesta esta vez. ¿Me lo puedes preguntar de otra forma?",
		FollowUp: "¿Qué más te gustaría practicar?",
	},
	{
		ID:   "dominicano",
		Name: "Dominicano",
		SystemPrompt: "Eres un joven de Santo Domingo. Hablas español dominicano coloquial " +
			"(klk, vaina, tiguere, chin) pero eres claro y amable. Explica las expresiones cuando el usuario no las entienda.",
		Fallback: "Diablo, se me fue la señal un chin. ¿Me repites eso, mi pana?",
		FollowUp: "¿Y tú, qué lo que? ¿Qué más quieres saber?",
	},
	{
		ID:   "profesor",
		Name: "Profesor",
		SystemPrompt: "Eres un profesor de español paciente. Responde con ejemplos breves, " +
			"explica la gramática cuando sea útil y propone un pequeño ejercicio al final.",
		Fallback: "No tengo una buena explicación ahora mismo. Intentemos con otra pregunta sobre el tema.",
		FollowUp: "¿Quieres intentar una oración con lo que acabamos de ver?",
	},
}

type fileCatalog struct {
	Personas []model.Persona `yaml:"personas"`
}

// Catalog is a read-mostly set of personas. File entries override built-ins
// with the same id.
type Catalog struct {
	mu        sync.RWMutex
	personas  map[string]model.Persona
	path      string
	defaultID string
	logger    *logger.Logger
}

// NewCatalog creates a catalog from the built-ins and, when path is set, the
// YAML file at path.
func NewCatalog(path, defaultID string, log *logger.Logger) (*Catalog, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if defaultID == "" {
		defaultID = DefaultID
	}

	c := &Catalog{
		path:      path,
		defaultID: defaultID,
		logger:    log.Named("persona"),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the catalog. On error the previous personas stay active.
func (c *Catalog) Reload() error {
	personas := make(map[string]model.Persona, len(builtins))
	for _, p := range builtins {
		personas[p.ID] = p
	}

	if c.path != "" {
		loaded, err := loadFile(c.path)
		if err != nil {
			return err
		}
		for _, p := range loaded {
			personas[p.ID] = p
		}
	}

	if _, ok := personas[c.defaultID]; !ok {
		return fmt.Errorf("default persona %q is not defined", c.defaultID)
	}

	c.mu.Lock()
	c.personas = personas
	c.mu.Unlock()

	c.logger.Info("persona catalog loaded", zap.Int("count", len(personas)), zap.String("path", c.path))
	return nil
}

func loadFile(path string) ([]model.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}

	var file fileCatalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse persona file: %w", err)
	}

	for i, p := range file.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona #%d has no id", i+1)
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona %q has no system_prompt", p.ID)
		}
		if p.Name == "" {
			file.Personas[i].Name = p.ID
		}
	}
	return file.Personas, nil
}

// Get returns the persona with the given id.
func (c *Catalog) Get(id string) (model.Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[id]
	return p, ok
}

// Resolve returns the persona with the given id, or the default persona for
// empty or unknown ids.
func (c *Catalog) Resolve(id string) model.Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.personas[id]; ok {
		return p
	}
	return c.personas[c.defaultID]
}

// List returns all personas sorted by id.
func (c *Catalog) List() []model.Persona {
	c.mu.RLock()
	out := make([]model.Persona, 0, len(c.personas))
	for _, p := range c.personas {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
