package approval

import "context"

// ActionableApprovers returns who can act on req right now, deduplicated by
// identity. Under a sequential policy only the earliest open level counts;
// under a parallel policy every open level does. Approvers who already
// decided in the current round are left out.
func (m *Machine) ActionableApprovers(ctx context.Context, flow *FlowDefinition, req *Request) []ResolvedApprover {
	if req.OverallStatus.Terminal() {
		return nil
	}

	ev := m.evaluate(ctx, flow, req)
	seen := make(map[string]bool)
	var out []ResolvedApprover

	collect := func(idx int) {
		ls := req.level(idx)
		for _, a := range ev.approvers(idx) {
			if seen[a.Identity] {
				continue
			}
			if ls != nil && hasActed(ls, a.Identity) {
				continue
			}
			seen[a.Identity] = true
			out = append(out, a)
		}
	}

	for _, lvl := range flow.Levels {
		st := ev.status(lvl.Index)
		if st != StatusPending && st != StatusPartiallyApproved {
			continue
		}
		collect(lvl.Index)
		if flow.Policy == PolicySequential {
			break
		}
	}
	return out
}

// IsActionableBy reports whether userID is among the actionable approvers.
func (m *Machine) IsActionableBy(ctx context.Context, flow *FlowDefinition, req *Request, userID string) bool {
	return containsIdentity(m.ActionableApprovers(ctx, flow, req), userID)
}

// ActionableLevels returns the indexes of levels userID can act on now.
func (m *Machine) ActionableLevels(ctx context.Context, flow *FlowDefinition, req *Request, userID string) []int {
	ev := m.evaluate(ctx, flow, req)
	var out []int
	for _, lvl := range flow.Levels {
		if ev.canAct(userID, lvl.Index) == nil {
			out = append(out, lvl.Index)
		}
	}
	return out
}
