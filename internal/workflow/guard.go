package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"weighline/internal/domain"
)

// Guards evaluates step-entry guard expressions, caching compiled programs.
type Guards struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewGuards() *Guards {
	return &Guards{cache: make(map[string]*vm.Program)}
}

// GuardEnv is the variable set a guard expression can reference.
func GuardEnv(t domain.Ticket) map[string]any {
	env := map[string]any{
		"status":         string(t.Status),
		"tier":           string(t.Tier),
		"site":           t.SiteID,
		"categories":     append([]string{}, t.Categories...),
		"weight_in":      0.0,
		"weight_out":     0.0,
		"net":            0.0,
		"has_weight_in":  t.WeightIn != nil,
		"has_weight_out": t.WeightOut != nil,
		"has_net":        t.NetWeight != nil,
		"manual":         t.WeightInManual || t.WeightOutManual,
	}
	if t.WeightIn != nil {
		env["weight_in"] = t.WeightIn.InexactFloat64()
	}
	if t.WeightOut != nil {
		env["weight_out"] = t.WeightOut.InexactFloat64()
	}
	if t.NetWeight != nil {
		env["net"] = t.NetWeight.InexactFloat64()
	}
	return env
}

func (g *Guards) program(expression string, env map[string]any) (*vm.Program, error) {
	g.mu.RLock()
	program, ok := g.cache[expression]
	g.mu.RUnlock()
	if ok {
		return program, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if program, ok = g.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	g.cache[expression] = program
	return program, nil
}

// Compile checks that expression is a boolean over GuardEnv.
func (g *Guards) Compile(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return nil
	}
	_, err := g.program(expression, GuardEnv(domain.Ticket{}))
	return err
}

// Allows evaluates expression against the ticket. An empty guard always passes.
func (g *Guards) Allows(expression string, t domain.Ticket) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	env := GuardEnv(t)
	program, err := g.program(expression, env)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("guard %q returned %T", expression, out)
	}
	return ok, nil
}
