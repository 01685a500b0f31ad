package state

import (
	"github.com/pkg/errors"
)

// Group is a node in the application tree. Child ids are always descendants
// of the group's own id; dependency edges across apps and groups are acyclic.
type Group struct {
	ID           PathId                    `json:"id"`
	Apps         map[PathId]*AppDefinition `json:"apps,omitempty"`
	Groups       map[PathId]*Group         `json:"groups,omitempty"`
	Dependencies []PathId                  `json:"dependencies,omitempty"`
	Version      Timestamp                 `json:"version"`
}

func NewRootGroup(version Timestamp) *Group {
	return &Group{
		ID:      RootPath,
		Apps:    map[PathId]*AppDefinition{},
		Groups:  map[PathId]*Group{},
		Version: version,
	}
}

// TransitiveApps returns every app in this group and all subgroups.
func (g *Group) TransitiveApps() map[PathId]*AppDefinition {
	apps := map[PathId]*AppDefinition{}
	g.walk(func(group *Group) {
		for id, app := range group.Apps {
			apps[id] = app
		}
	})
	return apps
}

// TransitiveGroups returns this group and all subgroups keyed by id.
func (g *Group) TransitiveGroups() map[PathId]*Group {
	groups := map[PathId]*Group{}
	g.walk(func(group *Group) {
		groups[group.ID] = group
	})
	return groups
}

func (g *Group) walk(visit func(*Group)) {
	visit(g)
	for _, sub := range g.Groups {
		sub.walk(visit)
	}
}

// App finds an app anywhere in the tree.
func (g *Group) App(id PathId) *AppDefinition {
	return g.TransitiveApps()[id]
}

// GroupByID finds a subgroup (or g itself) by id.
func (g *Group) GroupByID(id PathId) *Group {
	return g.TransitiveGroups()[id]
}

// UpdateApp returns a copy of the tree with app inserted at its id, creating
// intermediate groups as needed. All groups on the path get the new version.
func (g *Group) UpdateApp(app *AppDefinition, version Timestamp) *Group {
	updated := g.copyShallow()
	updated.Version = version
	if app.ID.Parent() == g.ID {
		updated.Apps[app.ID] = app
		return updated
	}
	childID := childOnPathTo(g.ID, app.ID)
	child, ok := g.Groups[childID]
	if !ok {
		child = &Group{
			ID:      childID,
			Apps:    map[PathId]*AppDefinition{},
			Groups:  map[PathId]*Group{},
			Version: version,
		}
	}
	updated.Groups[childID] = child.UpdateApp(app, version)
	return updated
}

// RemoveApp returns a copy of the tree without the given app. Empty
// intermediate groups are retained; they carry version history.
func (g *Group) RemoveApp(id PathId, version Timestamp) *Group {
	updated := g.copyShallow()
	updated.Version = version
	if _, ok := updated.Apps[id]; ok {
		delete(updated.Apps, id)
		return updated
	}
	for childID, child := range g.Groups {
		if id.IsDescendantOf(childID) {
			updated.Groups[childID] = child.RemoveApp(id, version)
		}
	}
	return updated
}

// RemoveGroup returns a copy of the tree without the given subgroup.
func (g *Group) RemoveGroup(id PathId, version Timestamp) *Group {
	updated := g.copyShallow()
	updated.Version = version
	if _, ok := updated.Groups[id]; ok {
		delete(updated.Groups, id)
		return updated
	}
	for childID, child := range g.Groups {
		if id.IsDescendantOf(childID) {
			updated.Groups[childID] = child.RemoveGroup(id, version)
		}
	}
	return updated
}

func (g *Group) copyShallow() *Group {
	apps := make(map[PathId]*AppDefinition, len(g.Apps))
	for id, app := range g.Apps {
		apps[id] = app
	}
	groups := make(map[PathId]*Group, len(g.Groups))
	for id, sub := range g.Groups {
		groups[id] = sub
	}
	return &Group{
		ID:           g.ID,
		Apps:         apps,
		Groups:       groups,
		Dependencies: g.Dependencies,
		Version:      g.Version,
	}
}

func childOnPathTo(parent, descendant PathId) PathId {
	current := descendant
	for {
		p := current.Parent()
		if p == parent || (p.IsRoot() && parent.IsRoot()) {
			return current
		}
		if p == current {
			return current
		}
		current = p
	}
}

// dependencyGraph flattens app and group dependency edges to app-level edges:
// an edge a -> b means a depends on b, so b deploys first.
func (g *Group) dependencyGraph() map[PathId][]PathId {
	apps := g.TransitiveApps()
	groups := g.TransitiveGroups()

	appsBelow := func(id PathId) []PathId {
		var result []PathId
		for appID := range apps {
			if appID.IsDescendantOf(id) {
				result = append(result, appID)
			}
		}
		return result
	}

	edges := map[PathId][]PathId{}
	for id, app := range apps {
		for _, dep := range app.Dependencies {
			edges[id] = append(edges[id], appsBelow(dep.Canonicalize(RootPath))...)
		}
	}
	for id, group := range groups {
		for _, dep := range group.Dependencies {
			targets := appsBelow(dep.Canonicalize(RootPath))
			for _, dependent := range appsBelow(id) {
				edges[dependent] = append(edges[dependent], targets...)
			}
		}
	}
	return edges
}

// HasCyclicDependencies reports whether any app or group dependency chain
// loops back on itself.
func (g *Group) HasCyclicDependencies() bool {
	edges := g.dependencyGraph()
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := map[PathId]int{}
	var visit func(PathId) bool
	visit = func(id PathId) bool {
		switch colors[id] {
		case visiting:
			return true
		case done:
			return false
		}
		colors[id] = visiting
		for _, dep := range edges[id] {
			if visit(dep) {
				return true
			}
		}
		colors[id] = done
		return false
	}
	for id := range g.TransitiveApps() {
		if visit(id) {
			return true
		}
	}
	return false
}

// DependencyOrderedApps returns the transitive apps grouped into layers:
// every app in layer n depends only on apps in layers < n. The caller gets a
// deterministic order within each layer.
func (g *Group) DependencyOrderedApps() ([][]*AppDefinition, error) {
	if g.HasCyclicDependencies() {
		return nil, errors.New("dependency graph has cycles")
	}
	apps := g.TransitiveApps()
	edges := g.dependencyGraph()

	depth := map[PathId]int{}
	var resolve func(PathId) int
	resolve = func(id PathId) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, dep := range edges[id] {
			if _, ok := apps[dep]; !ok {
				continue
			}
			if d := resolve(dep) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}

	layerCount := 0
	for id := range apps {
		if d := resolve(id); d+1 > layerCount {
			layerCount = d + 1
		}
	}
	layers := make([][]*AppDefinition, layerCount)
	for id, app := range apps {
		layers[depth[id]] = append(layers[depth[id]], app)
	}
	for _, layer := range layers {
		sortAppsByID(layer)
	}
	return layers, nil
}
