package workflow

import (
	"fmt"
	"sort"

	"weighline/internal/domain"
)

// ConfigurationError reports a workflow definition the engine cannot execute.
type ConfigurationError struct {
	WorkflowID string
	Reason     string
}

func (e ConfigurationError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("workflow configuration: %s", e.Reason)
	}
	return fmt.Sprintf("workflow %s configuration: %s", e.WorkflowID, e.Reason)
}

func configErr(workflowID, format string, args ...any) ConfigurationError {
	return ConfigurationError{WorkflowID: workflowID, Reason: fmt.Sprintf(format, args...)}
}

// Graph is the read-only, order-sorted view of one workflow.
type Graph struct {
	wf       domain.Workflow
	steps    []domain.WorkflowStep
	byID     map[string]int
	byQueue  map[string]int
	byStatus map[domain.Status]int
	initial  int
}

// NewGraph sorts the steps by order and builds the step/queue/status indexes.
func NewGraph(wf domain.Workflow) (*Graph, error) {
	if wf.ID == "" {
		return nil, configErr("", "workflow id required")
	}
	if len(wf.Steps) == 0 {
		return nil, configErr(wf.ID, "no steps")
	}
	steps := make([]domain.WorkflowStep, len(wf.Steps))
	copy(steps, wf.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	g := &Graph{
		steps:    steps,
		byID:     make(map[string]int, len(steps)),
		byQueue:  make(map[string]int),
		byStatus: make(map[domain.Status]int),
	}
	for i := range steps {
		s := &steps[i]
		if s.WorkflowID == "" {
			s.WorkflowID = wf.ID
		}
		if s.WorkflowID != wf.ID {
			return nil, configErr(wf.ID, "step %s belongs to workflow %s", s.ID, s.WorkflowID)
		}
		if s.ID == "" {
			return nil, configErr(wf.ID, "step with order %d has no id", s.Order)
		}
		if _, dup := g.byID[s.ID]; dup {
			return nil, configErr(wf.ID, "duplicate step id %s", s.ID)
		}
		if i > 0 && steps[i-1].Order == s.Order {
			return nil, configErr(wf.ID, "steps %s and %s share order %d", steps[i-1].ID, s.ID, s.Order)
		}
		g.byID[s.ID] = i
		if s.QueueID != "" {
			if other, dup := g.byQueue[s.QueueID]; dup {
				return nil, configErr(wf.ID, "queue %s bound to steps %s and %s", s.QueueID, steps[other].ID, s.ID)
			}
			g.byQueue[s.QueueID] = i
		}
		if len(s.Statuses) == 0 {
			return nil, configErr(wf.ID, "step %s covers no status", s.ID)
		}
		for _, st := range s.Statuses {
			if !st.Valid() || st == domain.StatusWeighingAnomaly || st.Exit() {
				return nil, configErr(wf.ID, "step %s cannot cover status %s", s.ID, st)
			}
			if other, dup := g.byStatus[st]; dup {
				return nil, configErr(wf.ID, "status %s covered by steps %s and %s", st, steps[other].ID, s.ID)
			}
			g.byStatus[st] = i
		}
	}
	idx, err := initialIndex(wf.ID, steps)
	if err != nil {
		return nil, err
	}
	g.initial = idx
	if !steps[len(steps)-1].IsFinal {
		return nil, configErr(wf.ID, "last step %s must be final", steps[len(steps)-1].ID)
	}
	if err := g.checkCoverage(wf.ID); err != nil {
		return nil, err
	}
	g.wf = wf
	g.wf.Steps = steps
	if g.wf.Direction == "" {
		g.wf.Direction = domain.DirectionLoading
	}
	return g, nil
}

func initialIndex(workflowID string, steps []domain.WorkflowStep) (int, error) {
	found := -1
	for i, s := range steps {
		if !s.IsInitial {
			continue
		}
		if found >= 0 {
			return 0, configErr(workflowID, "steps %s and %s are both initial", steps[found].ID, s.ID)
		}
		found = i
	}
	if found < 0 {
		return 0, configErr(workflowID, "no initial step")
	}
	if found != 0 {
		return 0, configErr(workflowID, "initial step %s does not have the lowest order", steps[found].ID)
	}
	return found, nil
}

// checkCoverage requires every main-path status to map to a step, and the
// mapping to be monotonic in step order along the main path.
func (g *Graph) checkCoverage(workflowID string) error {
	last := -1
	for _, st := range domain.MainPath {
		idx, ok := g.byStatus[st]
		if !ok {
			return configErr(workflowID, "status %s not mapped to any step", st)
		}
		if idx < last {
			return configErr(workflowID, "status %s maps to step %s before an earlier status", st, g.steps[idx].ID)
		}
		last = idx
	}
	if g.byStatus[domain.StatusWaiting] != g.initial {
		return configErr(workflowID, "status %s must map to the initial step", domain.StatusWaiting)
	}
	return nil
}

func (g *Graph) ID() string { return g.wf.ID }

func (g *Graph) Workflow() domain.Workflow { return g.wf }

func (g *Graph) Direction() domain.Direction { return g.wf.Direction }

// Steps returns a copy of the steps in ascending order.
func (g *Graph) Steps() []domain.WorkflowStep {
	out := make([]domain.WorkflowStep, len(g.steps))
	copy(out, g.steps)
	return out
}

func (g *Graph) InitialStep() domain.WorkflowStep { return g.steps[g.initial] }

func (g *Graph) Step(stepID string) (domain.WorkflowStep, bool) {
	i, ok := g.byID[stepID]
	if !ok {
		return domain.WorkflowStep{}, false
	}
	return g.steps[i], true
}

// NextStep returns the step following stepID in order, or false when stepID is final.
func (g *Graph) NextStep(stepID string) (domain.WorkflowStep, bool, error) {
	i, ok := g.byID[stepID]
	if !ok {
		return domain.WorkflowStep{}, false, configErr(g.wf.ID, "unknown step %s", stepID)
	}
	if g.steps[i].IsFinal || i+1 >= len(g.steps) {
		return domain.WorkflowStep{}, false, nil
	}
	return g.steps[i+1], true, nil
}

func (g *Graph) StepForQueue(queueID string) (domain.WorkflowStep, bool) {
	i, ok := g.byQueue[queueID]
	if !ok {
		return domain.WorkflowStep{}, false
	}
	return g.steps[i], true
}

// StepForStatus returns the step covering a main-path status.
func (g *Graph) StepForStatus(st domain.Status) (domain.WorkflowStep, bool) {
	i, ok := g.byStatus[st]
	if !ok {
		return domain.WorkflowStep{}, false
	}
	return g.steps[i], true
}

// Queues lists bound queue ids in step order.
func (g *Graph) Queues() []string {
	var out []string
	for _, s := range g.steps {
		if s.QueueID != "" {
			out = append(out, s.QueueID)
		}
	}
	return out
}

func (g *Graph) CoversCategory(prefix string) bool {
	for _, c := range g.wf.Categories {
		if c == prefix {
			return true
		}
	}
	return false
}
