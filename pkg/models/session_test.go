package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The user role and the turn role share the "user" wire value but are
// distinct types with distinct constant names.
func TestRoleConstantsAreDistinctTypes(t *testing.T) {
	assert.Equal(t, Role("user"), RoleUser)
	assert.Equal(t, TurnRole("user"), TurnRoleUser)
	assert.Equal(t, TurnRole("model"), TurnRoleModel)
	assert.Equal(t, TurnRole("tool"), TurnRoleTool)
}

func TestGroupTurns(t *testing.T) {
	turns := []Turn{
		{Role: TurnRoleUser, Content: "q1", CorrelationID: "c1"},
		{Role: TurnRoleTool, Content: "lookup", CorrelationID: "c1"},
		{Role: TurnRoleModel, Content: "a1", CorrelationID: "c1"},
		{Role: TurnRoleUser, Content: "q2", CorrelationID: "c2"},
		{Role: TurnRoleModel, Content: "a2", CorrelationID: "c2"},
	}

	groups := GroupTurns(turns)
	require.Len(t, groups, 2)
	assert.Equal(t, "c1", groups[0].CorrelationID)
	require.Len(t, groups[0].Turns, 3)
	assert.Equal(t, TurnRoleTool, groups[0].Turns[1].Role)
	assert.Equal(t, "c2", groups[1].CorrelationID)
	require.Len(t, groups[1].Turns, 2)

	assert.Nil(t, GroupTurns(nil))
}
