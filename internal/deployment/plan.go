package deployment

import (
	"fmt"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/state"
)

// ActionType is what a deployment step does to one app.
type ActionType string

const (
	// StartApplication brings a new app up to its target instance count.
	StartApplication ActionType = "StartApplication"
	// StopApplication tears an app down and removes its demand.
	StopApplication ActionType = "StopApplication"
	// ScaleApplication adjusts the instance count of an unchanged config.
	ScaleApplication ActionType = "ScaleApplication"
	// RestartApplication replaces all instances with the new config under
	// the app's upgrade strategy.
	RestartApplication ActionType = "RestartApplication"
)

type Action struct {
	Type ActionType           `json:"type"`
	App  *state.AppDefinition `json:"app"`
}

// Step groups actions that may run concurrently: everything they depend on
// finished in an earlier step.
type Step struct {
	Actions []Action `json:"actions"`
}

// Plan is an ordered list of steps transforming one group version into
// another. Plans are persisted before execution so a new leader can resume
// them.
type Plan struct {
	ID       string          `json:"id"`
	Original *state.Group    `json:"original"`
	Target   *state.Group    `json:"target"`
	Steps    []*Step         `json:"steps"`
	Version  state.Timestamp `json:"version"`
}

// NewPlan computes the steps needed to get from original to target. Actions
// are laid out along the target's dependency layers; stops of removed apps
// happen last.
func NewPlan(original, target *state.Group, version state.Timestamp) (*Plan, error) {
	origApps := original.TransitiveApps()
	targetApps := target.TransitiveApps()

	layers, err := target.DependencyOrderedApps()
	if err != nil {
		return nil, err
	}

	var steps []*Step
	for _, layer := range layers {
		var actions []Action
		for _, app := range layer {
			prior, existed := origApps[app.ID]
			switch {
			case !existed:
				actions = append(actions, Action{Type: StartApplication, App: app})
			case prior.NeedsRestart(app):
				actions = append(actions, Action{Type: RestartApplication, App: app})
			case prior.Instances != app.Instances:
				actions = append(actions, Action{Type: ScaleApplication, App: app})
			}
		}
		if len(actions) > 0 {
			steps = append(steps, &Step{Actions: actions})
		}
	}

	var stops []Action
	for _, id := range sortedAppIDs(origApps) {
		if _, stillThere := targetApps[id]; !stillThere {
			stops = append(stops, Action{Type: StopApplication, App: origApps[id]})
		}
	}
	if len(stops) > 0 {
		steps = append(steps, &Step{Actions: stops})
	}

	return &Plan{
		ID:       util.NewULID(),
		Original: original,
		Target:   target,
		Steps:    steps,
		Version:  version,
	}, nil
}

// AffectedRunSpecIDs is the union of the symmetric difference of the two app
// sets and every app whose config or scale changed.
func (p *Plan) AffectedRunSpecIDs() map[state.PathId]bool {
	origApps := p.Original.TransitiveApps()
	targetApps := p.Target.TransitiveApps()
	affected := map[state.PathId]bool{}
	for id, app := range targetApps {
		prior, existed := origApps[id]
		if !existed || prior.NeedsRestart(app) || prior.Instances != app.Instances {
			affected[id] = true
		}
	}
	for id := range origApps {
		if _, stillThere := targetApps[id]; !stillThere {
			affected[id] = true
		}
	}
	return affected
}

// AffectedIDList returns the affected ids in stable order.
func (p *Plan) AffectedIDList() []state.PathId {
	affected := p.AffectedRunSpecIDs()
	ids := make([]state.PathId, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	return state.SortedPathIds(ids)
}

// ConflictsWith reports whether two plans touch a common app.
func (p *Plan) ConflictsWith(other *Plan) bool {
	affected := p.AffectedRunSpecIDs()
	for id := range other.AffectedRunSpecIDs() {
		if affected[id] {
			return true
		}
	}
	return false
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan %s (%d steps, affecting %v)", p.ID, len(p.Steps), p.AffectedIDList())
}

func sortedAppIDs(apps map[state.PathId]*state.AppDefinition) []state.PathId {
	ids := make([]state.PathId, 0, len(apps))
	for id := range apps {
		ids = append(ids, id)
	}
	return state.SortedPathIds(ids)
}
