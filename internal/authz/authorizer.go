package authz

import (
	"context"

	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/google/uuid"
)

// ProjectAuthorizer answers whether an agent may see work belonging to
// a project. The allocator and the agent-facing handlers delegate all
// project scoping decisions here so an external authorization service
// can be swapped in.
type ProjectAuthorizer interface {
	// ProjectsForAgent returns the projects the agent may draw work from.
	ProjectsForAgent(ctx context.Context, agentID int) ([]uuid.UUID, error)

	// CanAccessProject reports whether the agent may see the project.
	CanAccessProject(ctx context.Context, agentID int, projectID uuid.UUID) (bool, error)
}

// MembershipAuthorizer grants access based on the project_agents
// assignment table.
type MembershipAuthorizer struct {
	agentRepo *repository.AgentRepository
}

// NewMembershipAuthorizer creates the default membership-based authorizer
func NewMembershipAuthorizer(agentRepo *repository.AgentRepository) *MembershipAuthorizer {
	return &MembershipAuthorizer{agentRepo: agentRepo}
}

func (a *MembershipAuthorizer) ProjectsForAgent(ctx context.Context, agentID int) ([]uuid.UUID, error) {
	return a.agentRepo.ProjectIDs(ctx, agentID)
}

func (a *MembershipAuthorizer) CanAccessProject(ctx context.Context, agentID int, projectID uuid.UUID) (bool, error) {
	ids, err := a.agentRepo.ProjectIDs(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == projectID {
			return true, nil
		}
	}
	return false, nil
}
