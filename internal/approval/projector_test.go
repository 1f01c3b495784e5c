package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject(t *testing.T) {
	r := newStubResolver()
	r.addUser("A", "HSE Manager")
	r.addUser("B", "")
	m := newTestMachine(r)

	flow := flowOf(PolicySequential,
		[]RoleReference{DirectUser("A"), Function("finance_lead")},
		[]RoleReference{DirectUser("B")},
	)
	req := submit(m, flow)
	out, err := m.ApplyAction(context.Background(), flow, req, "A", 1, DecisionApprove, "looks fine")
	require.NoError(t, err)
	snapshot := out.Clone()

	views := m.Project(context.Background(), flow, out)
	require.Len(t, views, 2)

	lvl1 := views[0]
	assert.Equal(t, 1, lvl1.LevelIndex)
	assert.Equal(t, StatusApproved, lvl1.Status)
	require.Len(t, lvl1.Approvers, 1)
	assert.Equal(t, "User A", lvl1.Approvers[0].DisplayName)
	assert.Equal(t, "HSE Manager", lvl1.Approvers[0].Title)
	assert.Equal(t, DecisionApprove, lvl1.Approvers[0].Decision)
	assert.Equal(t, "looks fine", lvl1.Approvers[0].Comment)
	require.NotNil(t, lvl1.Approvers[0].Timestamp)
	require.Len(t, lvl1.Issues, 1)
	assert.Equal(t, "function_finance_lead", lvl1.Issues[0].Role)

	lvl2 := views[1]
	assert.Equal(t, StatusPending, lvl2.Status)
	require.Len(t, lvl2.Approvers, 1)
	assert.Empty(t, lvl2.Approvers[0].Decision)
	assert.Nil(t, lvl2.Approvers[0].Timestamp)

	assert.Equal(t, snapshot, out)
}

func TestProjectKeepsActorsNoLongerResolved(t *testing.T) {
	r := newStubResolver()
	r.addUser("A", "")
	r.addUser("B", "")
	m := newTestMachine(r)

	flow := flowOf(PolicyParallel, []RoleReference{DirectUser("A"), DirectUser("B")})
	req := mustAct(t, m, flow, submit(m, flow), "A", 1, DecisionApprove)

	delete(r.users, "A")
	views := m.Project(context.Background(), flow, req)
	require.Len(t, views[0].Approvers, 2)
	assert.Equal(t, "B", views[0].Approvers[0].Identity)
	assert.Equal(t, "A", views[0].Approvers[1].Identity)
	assert.Equal(t, DecisionApprove, views[0].Approvers[1].Decision)
}
