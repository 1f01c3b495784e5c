package approval

import (
	"context"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// ConfigIssue flags a role reference that cannot produce an approver. A
// level with issues and no approvers stays pending until an administrator
// fixes the flow or the directory.
type ConfigIssue struct {
	Level   int         `json:"level"`
	Role    string      `json:"role"`
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// Issues resolves every level of flow for req and returns the role
// references that produced no approver.
func (m *Machine) Issues(ctx context.Context, flow *FlowDefinition, req *Request) []ConfigIssue {
	ev := m.evaluate(ctx, flow, req)
	var out []ConfigIssue
	for _, lvl := range flow.Levels {
		ev.approvers(lvl.Index)
		out = append(out, ev.issues[lvl.Index]...)
	}
	return out
}

func issueFromError(idx int, role RoleReference, err error) ConfigIssue {
	code := errors.CodeOf(err)
	if code != errors.ErrCodeUnsupportedHierarchyDepth {
		code = errors.ErrCodeUnresolvedApprover
	}
	return ConfigIssue{Level: idx, Role: role.String(), Code: code, Message: err.Error()}
}
