// Package graph turns an accepted project brief into a DAG of phase-scoped
// tasks. The graph shape is fixed by the project-phase semantics; the builder
// rejects rather than repairs anything that is not a DAG.
package graph

import (
	"fmt"
	"strings"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/google/uuid"
)

// PhaseOrder is the fixed project phase sequence. Serial gates sit at every
// phase boundary after execution.
var PhaseOrder = []string{
	"discovery",
	"planning",
	"execution",
	"validation",
	"documentation",
	"deployment",
}

// PhaseRank returns the position of a phase in PhaseOrder, or -1.
func PhaseRank(phase string) int {
	for i, p := range PhaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}

// Brief is an intake request: free text plus optional structured hints.
type Brief struct {
	Text       string
	Features   []string
	Complexity int // 1..3, scales execution fan-out; 0 means default (1)
}

type Builder struct {
	catalog []config.CapabilityConfig
}

func NewBuilder(catalog []config.CapabilityConfig) *Builder {
	return &Builder{catalog: catalog}
}

func (b *Builder) hasTag(tag string) bool {
	for _, cap := range b.catalog {
		if cap.Tag == tag {
			return true
		}
	}
	return false
}

// Build decomposes a brief into the full phase-scoped task graph. Tasks
// within a phase share a concurrency group; validation and later phases carry
// a serial gate so they only become ready once the whole preceding phase has
// completed.
func (b *Builder) Build(projectID string, brief Brief) ([]persistence.Task, error) {
	if strings.TrimSpace(brief.Text) == "" {
		return nil, &shared.ValidationError{Field: "brief", Reason: "empty"}
	}
	complexity := brief.Complexity
	if complexity < 1 {
		complexity = 1
	}
	if complexity > 3 {
		complexity = 3
	}

	features := brief.Features
	if len(features) == 0 {
		features = []string{"core delivery"}
	}

	newTask := func(phase, capability, description string, gate bool, deps []string) (persistence.Task, error) {
		if !b.hasTag(capability) {
			return persistence.Task{}, &shared.ValidationError{
				Field:  "capability",
				Reason: fmt.Sprintf("tag %q absent from catalog", capability),
			}
		}
		return persistence.Task{
			ID:               uuid.NewString(),
			ProjectID:        projectID,
			Description:      description,
			Capability:       capability,
			Phase:            phase,
			ConcurrencyGroup: phase,
			SerialGate:       gate,
			DependsOn:        deps,
			State:            persistence.TaskPending,
		}, nil
	}

	var tasks []persistence.Task
	add := func(t persistence.Task, err error) (string, error) {
		if err != nil {
			return "", err
		}
		tasks = append(tasks, t)
		return t.ID, nil
	}

	discovery, err := add(newTask("discovery", "coordination", "review brief and capture requirements", false, nil))
	if err != nil {
		return nil, err
	}
	planning, err := add(newTask("planning", "coordination", "produce delivery plan and milestones", false, []string{discovery}))
	if err != nil {
		return nil, err
	}

	// Execution fan-out: one frontend and one backend task per feature,
	// repeated per complexity level. All share the execution concurrency
	// group and run in parallel once planning completes.
	var execution []string
	for _, feature := range features {
		for i := 0; i < complexity; i++ {
			suffix := ""
			if complexity > 1 {
				suffix = fmt.Sprintf(" (part %d)", i+1)
			}
			backendID, err := add(newTask("execution", "backend",
				"implement backend for "+feature+suffix, false, []string{planning}))
			if err != nil {
				return nil, err
			}
			frontendID, err := add(newTask("execution", "frontend",
				"implement frontend for "+feature+suffix, false, []string{planning}))
			if err != nil {
				return nil, err
			}
			execution = append(execution, backendID, frontendID)
		}
	}

	testingID, err := add(newTask("validation", "testing", "run acceptance and regression tests", true, execution))
	if err != nil {
		return nil, err
	}
	securityID, err := add(newTask("validation", "security", "security review of delivered work", true, execution))
	if err != nil {
		return nil, err
	}
	docsID, err := add(newTask("documentation", "documentation", "write user and operator documentation", true, []string{testingID, securityID}))
	if err != nil {
		return nil, err
	}
	// The terminal deployable task every graph must contain.
	if _, err := add(newTask("deployment", "devops", "deploy to production", true, []string{docsID})); err != nil {
		return nil, err
	}

	if err := CheckDAG(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// NewCorrectionTask builds one mid-execution task from a confirmed
// correction, depending on nothing so the scheduler picks it up immediately.
func (b *Builder) NewCorrectionTask(projectID, capability, description string) (persistence.Task, error) {
	if !b.hasTag(capability) {
		return persistence.Task{}, &shared.ValidationError{
			Field:  "capability",
			Reason: fmt.Sprintf("tag %q absent from catalog", capability),
		}
	}
	return persistence.Task{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		Description:      description,
		Capability:       capability,
		Phase:            "execution",
		ConcurrencyGroup: "execution",
		State:            persistence.TaskPending,
	}, nil
}

// CheckDAG validates dependency references and rejects cycles. Kahn's
// algorithm into waves; the wave structure is also what tests inspect.
func CheckDAG(tasks []persistence.Task) error {
	_, err := Waves(tasks)
	return err
}

// Waves topologically sorts tasks into dependency waves.
func Waves(tasks []persistence.Task) ([][]persistence.Task, error) {
	byID := make(map[string]persistence.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, &shared.GraphError{Reason: fmt.Sprintf("duplicate task id %s", t.ID)}
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := byID[dep]; !exists {
				return nil, &shared.GraphError{Reason: fmt.Sprintf("task %s depends on nonexistent task %s", t.ID, dep)}
			}
		}
	}

	var waves [][]persistence.Task
	processed := make(map[string]bool)

	for len(processed) < len(tasks) {
		var wave []persistence.Task
		for _, t := range tasks {
			if processed[t.ID] {
				continue
			}
			canRun := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					canRun = false
					break
				}
			}
			if canRun {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for _, t := range tasks {
				if !processed[t.ID] {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, &shared.GraphError{Reason: "cycle detected in task dependencies", Cycle: stuck}
		}
		waves = append(waves, wave)
		for _, t := range wave {
			processed[t.ID] = true
		}
	}
	return waves, nil
}
