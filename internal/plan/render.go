package plan

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Vars are the values substituted into step commands.
type Vars struct {
	Domain string
	User   string
	Host   string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "domain":
		return v.Domain, true
	case "user":
		return v.User, true
	case "host":
		return v.Host, true
	}
	return "", false
}

func checkPlaceholders(command string) error {
	for _, m := range placeholder.FindAllStringSubmatch(command, -1) {
		if _, ok := (Vars{}).lookup(m[1]); !ok {
			return fmt.Errorf("unknown variable {{%s}} (want domain, user or host)", m[1])
		}
	}
	return nil
}

// Expand substitutes vars into command. A referenced variable must be set.
func Expand(command string, vars Vars) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(command, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars.lookup(name)
		if !ok || v == "" {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("variable {{%s}} is not set", missing)
	}
	return out, nil
}

// Fallbacks fill step fields left unset by both the step and the plan
// defaults. They come from the runner configuration.
type Fallbacks struct {
	Timeout       time.Duration
	AttemptBudget int
}

// Render renders the plan into the step definitions of a deployment.
func (p *Plan) Render(vars Vars, fb Fallbacks) ([]deployment.StepDefinition, error) {
	steps := make([]deployment.StepDefinition, 0, len(p.Steps))
	for _, s := range p.Steps {
		cmd, err := Expand(s.Command, vars)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.Name, err)
		}
		def := deployment.StepDefinition{
			Name:          s.Name,
			Command:       cmd,
			Timeout:       firstDuration(s.Timeout.Duration(), p.Defaults.Timeout.Duration(), fb.Timeout),
			AttemptBudget: firstInt(s.AttemptBudget, p.Defaults.AttemptBudget, fb.AttemptBudget),
		}
		if def.Timeout <= 0 {
			return nil, fmt.Errorf("step %s: no timeout set", s.Name)
		}
		if def.AttemptBudget < 1 {
			return nil, fmt.Errorf("step %s: no attempt_budget set", s.Name)
		}
		steps = append(steps, def)
	}
	return steps, nil
}

func firstDuration(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}

func firstInt(ns ...int) int {
	for _, n := range ns {
		if n > 0 {
			return n
		}
	}
	return 0
}
