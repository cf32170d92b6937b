package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Node is one position in a workflow's dependency tree: an optional
// step plus an ordered list of children. The root node carries no
// step.
type Node struct {
	Step     *Step
	Children []*Node
}

// AddChild appends a child node. The tree is append-only, so it stays
// acyclic by construction.
func (n *Node) AddChild(child *Node) {
	n.Children = append(n.Children, child)
}

// Workflow is a rooted tree of steps sharing one parameter bundle.
type Workflow struct {
	id     uuid.UUID
	root   *Node
	params Params
}

// NewWorkflow creates an empty workflow: a bare root node and no
// parameters.
func NewWorkflow() *Workflow {
	return &Workflow{
		id:   uuid.New(),
		root: &Node{},
	}
}

// ID returns the workflow's identity.
func (w *Workflow) ID() uuid.UUID { return w.id }

// Root returns the workflow's root node.
func (w *Workflow) Root() *Node { return w.root }

// Params returns the shared parameter bundle.
func (w *Workflow) Params() Params { return w.params }

// Nodes returns every node in the tree, root included, in DFS order.
func (w *Workflow) Nodes() []*Node {
	var out []*Node
	stack := []*Node{w.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, node)
		for _, c := range node.Children {
			stack = append(stack, c)
		}
	}
	return out
}

// Steps returns every non-nil step in the tree, in DFS order.
func (w *Workflow) Steps() []*Step {
	var out []*Step
	for _, node := range w.Nodes() {
		if node.Step != nil {
			out = append(out, node.Step)
		}
	}
	return out
}

// IncompleteSteps returns the steps eligible for polling: a DFS that
// yields a node's step while it is incomplete and only descends past
// a node once its step is done (or it has none). This is the gate
// that keeps a child from running before its parent completes.
func (w *Workflow) IncompleteSteps() []*Step {
	var out []*Step
	stack := []*Node{w.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch {
		case node.Step != nil && node.Step.IsIncomplete():
			out = append(out, node.Step)
		case node.Step == nil || node.Step.IsDone():
			for _, c := range node.Children {
				stack = append(stack, c)
			}
		}
	}
	return out
}

// Poll polls every eligible incomplete step, up to maxCount when
// maxCount is positive, and returns how many were polled. A step that
// is failed (or becomes failed during its poll) propagates: every
// descendant step is failed with a parent-failure reason and the walk
// does not descend past it.
func (w *Workflow) Poll(ctx context.Context, maxCount int) int {
	polled := 0
	stack := []*Node{w.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.Step == nil {
			for _, c := range node.Children {
				stack = append(stack, c)
			}
			continue
		}

		step := node.Step
		if step.IsFailed() {
			failDescendants(node)
			continue
		}
		if step.IsDone() {
			for _, c := range node.Children {
				stack = append(stack, c)
			}
			continue
		}

		step.Poll(ctx, w.params)
		polled++
		if step.IsFailed() {
			failDescendants(node)
		}
		if maxCount > 0 && polled >= maxCount {
			break
		}
	}
	return polled
}

// failDescendants marks every step below the given node as failed.
// Fail is a no-op on terminal steps, so already-finished descendants
// keep their state.
func failDescendants(node *Node) {
	stack := append([]*Node(nil), node.Children...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Step != nil {
			n.Step.Fail("Parent step failed")
		}
		for _, c := range n.Children {
			stack = append(stack, c)
		}
	}
}

// IsDone reports every step in the tree completed successfully. An
// empty tree is done.
func (w *Workflow) IsDone() bool {
	for _, step := range w.Steps() {
		if !step.IsDone() {
			return false
		}
	}
	return true
}

// IsFinished reports every step reached a terminal state.
func (w *Workflow) IsFinished() bool {
	for _, step := range w.Steps() {
		if !step.IsFinished() {
			return false
		}
	}
	return true
}

// IsPending reports any step still has work ahead.
func (w *Workflow) IsPending() bool {
	for _, step := range w.Steps() {
		if step.IsPending() {
			return true
		}
	}
	return false
}

// IsFailed reports any step terminally failed.
func (w *Workflow) IsFailed() bool {
	for _, step := range w.Steps() {
		if step.IsFailed() {
			return true
		}
	}
	return false
}

// Builder assembles a workflow tree by step name.
type Builder struct {
	workflow *Workflow
	nodes    map[string]*Node
}

// NewBuilder wraps an existing workflow for further construction,
// indexing its nodes by step name.
func NewBuilder(w *Workflow) *Builder {
	b := &Builder{
		workflow: w,
		nodes:    map[string]*Node{"": w.root},
	}
	for _, node := range w.Nodes() {
		if node.Step != nil {
			b.nodes[node.Step.Name()] = node
		}
	}
	return b
}

// ThenDo inserts step as a child of the node whose step is named
// after; an empty after inserts under the root. It fails when no such
// parent exists or the step's name is already taken.
func (b *Builder) ThenDo(step *Step, after string) error {
	parent, ok := b.nodes[after]
	if !ok {
		return fmt.Errorf("flow: no such step %q to insert %q after", after, step.Name())
	}
	if _, exists := b.nodes[step.Name()]; exists {
		return fmt.Errorf("flow: duplicate step name %q", step.Name())
	}

	node := &Node{Step: step}
	parent.AddChild(node)
	b.nodes[step.Name()] = node
	return nil
}

// WithParams records the shared arguments passed to every step poll.
func (b *Builder) WithParams(params Params) *Builder {
	b.workflow.params = params
	return b
}

// Workflow returns the built workflow.
func (b *Builder) Workflow() *Workflow {
	return b.workflow
}
