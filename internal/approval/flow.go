package approval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// Validate checks the structural invariants of a flow: a process type, a
// known policy, at least one level, levels numbered 1..N without gaps and
// at least one role per level.
func (f *FlowDefinition) Validate() error {
	if f == nil {
		return errors.InvalidInput("flow", "flow definition is required")
	}
	if strings.TrimSpace(f.ProcessType) == "" {
		return errors.InvalidInput("process_type", "process type is required")
	}
	if !f.Policy.Valid() {
		return errors.InvalidInput("policy", fmt.Sprintf("unknown policy %q", f.Policy))
	}
	if len(f.Levels) == 0 {
		return errors.InvalidInput("levels", "flow must have at least one level")
	}

	indexes := make([]int, 0, len(f.Levels))
	for _, lvl := range f.Levels {
		if len(lvl.Roles) == 0 {
			return errors.InvalidInput("levels", fmt.Sprintf("level %d has no approver roles", lvl.Index))
		}
		for _, role := range lvl.Roles {
			if role.Kind == 0 {
				return errors.InvalidInput("levels", fmt.Sprintf("level %d has an empty role reference", lvl.Index))
			}
		}
		indexes = append(indexes, lvl.Index)
	}
	sort.Ints(indexes)
	for i, idx := range indexes {
		if idx != i+1 {
			return errors.InvalidInput("levels", "levels must be numbered 1..N without gaps or duplicates")
		}
	}
	return nil
}

// Normalize sorts levels by index. Store adapters call it after decoding.
func (f *FlowDefinition) Normalize() {
	sort.SliceStable(f.Levels, func(i, j int) bool { return f.Levels[i].Index < f.Levels[j].Index })
}

// Level returns the level with the given 1-based index.
func (f *FlowDefinition) Level(idx int) (Level, bool) {
	for _, lvl := range f.Levels {
		if lvl.Index == idx {
			return lvl, true
		}
	}
	return Level{}, false
}

// LevelCount is the number of levels in the flow.
func (f *FlowDefinition) LevelCount() int {
	return len(f.Levels)
}
