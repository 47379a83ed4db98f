package plan

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
)

// HandlerDefinitions converts the plan handlers, sorted by id.
func (p *Plan) HandlerDefinitions() []remediation.Definition {
	ids := make([]string, 0, len(p.Handlers))
	for id := range p.Handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]remediation.Definition, 0, len(ids))
	for _, id := range ids {
		h := p.Handlers[id]
		defs = append(defs, remediation.Definition{
			ID:          id,
			Kind:        remediation.Kind(h.Kind),
			Description: h.Description,
			Commands:    append([]string(nil), h.Commands...),
			Delay:       h.Delay.Duration(),
			Input:       h.Input,
			Timeout:     h.Timeout.Duration(),
		})
	}
	return defs
}

// Registry returns the built-in handlers plus the plan handlers. A plan
// handler replaces a built-in one with the same id.
func (p *Plan) Registry() (*remediation.Registry, error) {
	defs := append(remediation.BuiltinDefinitions(), p.HandlerDefinitions()...)
	reg, err := remediation.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("plan handlers: %w", err)
	}
	return reg, nil
}

// PatternDefinitions returns the catalog rows of the plan: the built-in
// patterns when enabled, then the plan patterns. A plan pattern replaces the
// built-in one with the same id and keeps its position.
func (p *Plan) PatternDefinitions() ([]catalog.ErrorPattern, error) {
	var out []catalog.ErrorPattern
	index := map[string]int{}
	if p.DefaultCatalog() {
		for _, d := range catalog.Defaults() {
			index[d.ID] = len(out)
			out = append(out, d)
		}
	}
	for _, pp := range p.Patterns {
		sev, err := catalog.ParseSeverity(pp.Severity)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", pp.ID, err)
		}
		ep := catalog.ErrorPattern{
			ID:          pp.ID,
			Description: pp.Description,
			Signature:   pp.Signature,
			Severity:    sev,
			HandlerID:   pp.Handler,
			MaxRetries:  pp.MaxRetries,
		}
		if i, ok := index[pp.ID]; ok {
			out[i] = ep
			delete(index, pp.ID)
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// Catalog builds the error catalog, checking handler references against reg.
func (p *Plan) Catalog(reg *remediation.Registry) (*catalog.Catalog, error) {
	patterns, err := p.PatternDefinitions()
	if err != nil {
		return nil, err
	}
	c, err := catalog.New(patterns, reg)
	if err != nil {
		return nil, fmt.Errorf("plan catalog: %w", err)
	}
	return c, nil
}
