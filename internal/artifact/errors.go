package artifact

import "fmt"

// NotFoundError is returned when an artifact ID is not in the repository
type NotFoundError struct {
	ArtifactID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found", e.ArtifactID)
}

// DependencyCycleError is returned when depends_on edges form a cycle
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "artifact dependency cycle detected"
	}
	msg := "artifact dependency cycle detected: "
	for i, id := range e.Cycle {
		if i > 0 {
			msg += " -> "
		}
		msg += id
	}
	return msg
}
