package workflow

import (
	"sort"

	"weighline/internal/domain"
)

// Registry holds the graphs of every configured workflow. It is built once and
// never mutated, so lookups need no locking.
type Registry struct {
	graphs  map[string]*Graph
	byQueue map[string]*Graph
	guards  *Guards
}

// NewRegistry builds and cross-checks graphs for wfs. Inactive workflows are
// loaded too so tickets already on them keep executing.
func NewRegistry(wfs []domain.Workflow, guards *Guards) (*Registry, error) {
	if guards == nil {
		guards = NewGuards()
	}
	r := &Registry{
		graphs:  make(map[string]*Graph, len(wfs)),
		byQueue: make(map[string]*Graph),
		guards:  guards,
	}
	for _, wf := range wfs {
		if _, dup := r.graphs[wf.ID]; dup {
			return nil, configErr(wf.ID, "duplicate workflow id")
		}
		g, err := NewGraph(wf)
		if err != nil {
			return nil, err
		}
		for _, s := range g.steps {
			if err := guards.Compile(s.Guard); err != nil {
				return nil, configErr(wf.ID, "step %s guard: %v", s.ID, err)
			}
		}
		for _, q := range g.Queues() {
			if other, dup := r.byQueue[q]; dup {
				return nil, configErr(wf.ID, "queue %s already bound by workflow %s", q, other.ID())
			}
			r.byQueue[q] = g
		}
		r.graphs[wf.ID] = g
	}
	seen := map[[2]string]string{}
	for _, g := range r.graphs {
		if !g.wf.Active {
			continue
		}
		for _, c := range g.wf.Categories {
			key := [2]string{g.wf.SiteID, c}
			if other, dup := seen[key]; dup {
				return nil, configErr(g.ID(), "category %s at site %s already served by workflow %s", c, g.wf.SiteID, other)
			}
			seen[key] = g.ID()
		}
	}
	return r, nil
}

func (r *Registry) Guards() *Guards { return r.guards }

func (r *Registry) Graph(workflowID string) (*Graph, error) {
	g, ok := r.graphs[workflowID]
	if !ok {
		return nil, configErr(workflowID, "workflow not loaded")
	}
	return g, nil
}

// ForCategory returns the active workflow serving prefix at siteID.
func (r *Registry) ForCategory(siteID, prefix string) (*Graph, error) {
	for _, g := range r.graphs {
		if g.wf.Active && g.wf.SiteID == siteID && g.CoversCategory(prefix) {
			return g, nil
		}
	}
	return nil, ConfigurationError{Reason: "no active workflow for category " + prefix + " at site " + siteID}
}

// ForQueue returns the graph and step bound to queueID.
func (r *Registry) ForQueue(queueID string) (*Graph, domain.WorkflowStep, bool) {
	g, ok := r.byQueue[queueID]
	if !ok {
		return nil, domain.WorkflowStep{}, false
	}
	s, _ := g.StepForQueue(queueID)
	return g, s, true
}

// All returns graphs sorted by id.
func (r *Registry) All() []*Graph {
	out := make([]*Graph, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
