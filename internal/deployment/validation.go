package deployment

import (
	"fmt"
	"strconv"

	"github.com/testrig/testrig/internal/interfaces"
)

// validatePlan rejects malformed plans before any resource is touched.
// Failures surface as InvalidPlanError and never consume queue capacity.
func validatePlan(plan *interfaces.DeploymentPlan) error {
	if plan == nil {
		return &interfaces.InvalidPlanError{Reason: "plan is nil"}
	}
	if plan.EnvironmentID == "" {
		return &interfaces.InvalidPlanError{Reason: "environment_id is required"}
	}
	if len(plan.Artifacts) == 0 {
		return &interfaces.InvalidPlanError{Reason: "plan has no artifacts"}
	}

	names := make(map[string]bool, len(plan.Artifacts))
	ids := make(map[string]bool, len(plan.Artifacts))
	for i := range plan.Artifacts {
		a := &plan.Artifacts[i]
		if err := validateArtifact(a); err != nil {
			return err
		}
		if names[a.Name] {
			return &interfaces.InvalidPlanError{
				Reason: fmt.Sprintf("duplicate artifact name %q", a.Name),
			}
		}
		names[a.Name] = true
		if a.ID != "" {
			ids[a.ID] = true
		}
	}

	// Dependency references must stay within the plan
	for i := range plan.Artifacts {
		for _, dep := range plan.Artifacts[i].DependsOn {
			if !ids[dep] {
				return &interfaces.InvalidPlanError{
					Reason: fmt.Sprintf("artifact %q depends on unknown artifact %q",
						plan.Artifacts[i].Name, dep),
				}
			}
		}
	}

	if err := validateAcyclic(plan.Artifacts); err != nil {
		return err
	}

	for _, dep := range plan.Dependencies {
		if dep.Name == "" {
			return &interfaces.InvalidPlanError{Reason: "dependency with empty name"}
		}
	}

	if plan.Config.MaxAttempts < 0 {
		return &interfaces.InvalidPlanError{Reason: "max_attempts must not be negative"}
	}
	return nil
}

// validateAcyclic walks the depends_on graph with three-color DFS and rejects
// the plan on the first cycle found
func validateAcyclic(artifacts []interfaces.TestArtifact) error {
	dependsOn := make(map[string][]string, len(artifacts))
	for i := range artifacts {
		if artifacts[i].ID != "" {
			dependsOn[artifacts[i].ID] = artifacts[i].DependsOn
		}
	}

	gray := make(map[string]bool, len(dependsOn))  // Visiting
	black := make(map[string]bool, len(dependsOn)) // Visited

	var dfs func(id string) error
	dfs = func(id string) error {
		if gray[id] {
			return &interfaces.InvalidPlanError{
				Reason: fmt.Sprintf("artifact dependencies form a cycle through %q", id),
			}
		}
		if black[id] {
			return nil
		}

		gray[id] = true
		for _, dep := range dependsOn[id] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		delete(gray, id)
		black[id] = true
		return nil
	}

	for i := range artifacts {
		if id := artifacts[i].ID; id != "" {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateArtifact(a *interfaces.TestArtifact) error {
	if a.Name == "" {
		return &interfaces.InvalidPlanError{Reason: "artifact with empty name"}
	}
	if len(a.Content) == 0 {
		return &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("artifact %q has no content", a.Name),
		}
	}
	if a.TargetPath == "" {
		return &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("artifact %q has no target_path", a.Name),
		}
	}
	switch a.Type {
	case interfaces.ArtifactTypeScript, interfaces.ArtifactTypeBinary,
		interfaces.ArtifactTypeConfig, interfaces.ArtifactTypeData:
	default:
		return &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("artifact %q has unknown type %q", a.Name, a.Type),
		}
	}
	if a.Permissions != "" {
		if _, err := strconv.ParseUint(a.Permissions, 8, 32); err != nil {
			return &interfaces.InvalidPlanError{
				Reason: fmt.Sprintf("artifact %q has invalid permissions %q", a.Name, a.Permissions),
			}
		}
	}
	// A declared checksum must match the content; an omitted one is computed
	// at store time
	if a.Checksum != "" {
		if err := a.VerifyChecksum(); err != nil {
			return &interfaces.InvalidPlanError{
				Reason: fmt.Sprintf("artifact %q checksum does not match content", a.Name),
			}
		}
	}
	return nil
}
