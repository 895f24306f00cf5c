package artifact

// topologicalOrder sorts artifact IDs so that every artifact appears after all
// of its dependencies (DFS post-order). Returns a DependencyCycleError if the
// depends_on edges form a cycle.
func topologicalOrder(ids []string, dependsOn map[string][]string) ([]string, error) {
	if err := validateNoCycles(ids, dependsOn); err != nil {
		return nil, err
	}

	var result []string
	visited := make(map[string]bool)

	var visit func(string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		// Visit all dependencies first
		for _, dep := range dependsOn[id] {
			visit(dep)
		}

		result = append(result, id)
	}

	for _, id := range ids {
		visit(id)
	}

	return result, nil
}

// validateNoCycles walks the graph with three-color DFS and reports the first
// cycle found, including its path
func validateNoCycles(ids []string, dependsOn map[string][]string) error {
	gray := make(map[string]bool)  // Visiting
	black := make(map[string]bool) // Visited

	var dfs func(string, []string) error
	dfs = func(id string, path []string) error {
		if gray[id] {
			cycleStart := 0
			for i, n := range path {
				if n == id {
					cycleStart = i
					break
				}
			}
			cycle := append([]string(nil), path[cycleStart:]...)
			cycle = append(cycle, id)
			return &DependencyCycleError{Cycle: cycle}
		}
		if black[id] {
			return nil
		}

		gray[id] = true
		path = append(path, id)

		for _, dep := range dependsOn[id] {
			if err := dfs(dep, path); err != nil {
				return err
			}
		}

		delete(gray, id)
		black[id] = true
		return nil
	}

	for _, id := range ids {
		if err := dfs(id, nil); err != nil {
			return err
		}
	}

	return nil
}
