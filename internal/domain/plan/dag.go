package plan

import (
	"fmt"
	"slices"
)

// Layers groups step indexes into dependency layers using Kahn's algorithm:
// every step in layer n depends only on steps in layers < n. Within a layer
// steps keep plan order.
func Layers(steps []Step) ([][]int, error) {
	n := len(steps)
	index := make(map[string]int, n)
	for i := range steps {
		index[steps[i].ID] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %s depends on %q: %w", steps[i].ID, dep, ErrUnknownDependency)
			}
			if j == i {
				return nil, fmt.Errorf("step %s depends on itself: %w", steps[i].ID, ErrDAGCycle)
			}
			adj[j] = append(adj[j], i)
			inDegree[i]++
		}
	}

	var layers [][]int
	current := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			current = append(current, i)
		}
	}

	visited := 0
	for len(current) > 0 {
		layers = append(layers, current)
		visited += len(current)

		var next []int
		for _, node := range current {
			for _, m := range adj[node] {
				inDegree[m]--
				if inDegree[m] == 0 {
					next = append(next, m)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if visited != n {
		return nil, ErrDAGCycle
	}
	return layers, nil
}

// DependenciesMet reports whether every dependency of s has a completed
// result in done.
func DependenciesMet(s *Step, done map[string]StepStatus) (bool, string) {
	for _, dep := range s.DependsOn {
		if done[dep] != StepCompleted {
			return false, dep
		}
	}
	return true, ""
}
