package approval

import (
	"context"
	"time"
)

// ApproverView is one row of a rendered level.
type ApproverView struct {
	Identity    string     `json:"identity"`
	DisplayName string     `json:"display_name"`
	Title       string     `json:"title,omitempty"`
	Department  string     `json:"department,omitempty"`
	Decision    Decision   `json:"decision,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

// LevelView is the display form of one level.
type LevelView struct {
	LevelIndex int            `json:"level"`
	Status     Status         `json:"status"`
	Approvers  []ApproverView `json:"approvers"`
	Issues     []ConfigIssue  `json:"issues,omitempty"`
}

// Project renders flow state for display. It only reads req.
func (m *Machine) Project(ctx context.Context, flow *FlowDefinition, req *Request) []LevelView {
	ev := m.evaluate(ctx, flow, req)
	views := make([]LevelView, 0, len(flow.Levels))

	for _, lvl := range flow.Levels {
		idx := lvl.Index
		approvers := ev.approvers(idx)
		view := LevelView{
			LevelIndex: idx,
			Status:     ev.status(idx),
			Approvers:  make([]ApproverView, 0, len(approvers)),
			Issues:     ev.issues[idx],
		}

		acted := latestActions(req.level(idx))
		listed := make(map[string]bool, len(approvers))
		for _, a := range approvers {
			listed[a.Identity] = true
			row := ApproverView{
				Identity:    a.Identity,
				DisplayName: a.DisplayName,
				Title:       a.Title,
				Department:  a.Department,
			}
			if act, ok := acted[a.Identity]; ok {
				fillDecision(&row, act)
			}
			view.Approvers = append(view.Approvers, row)
		}

		// Actors no longer resolvable (left the company, changed title)
		// still appear so the record of who decided is not lost.
		if ls := req.level(idx); ls != nil {
			for _, act := range ls.Actions {
				if listed[act.ActorID] {
					continue
				}
				listed[act.ActorID] = true
				row := ApproverView{Identity: act.ActorID, DisplayName: act.ActorID}
				fillDecision(&row, act)
				view.Approvers = append(view.Approvers, row)
			}
		}

		views = append(views, view)
	}
	return views
}

func latestActions(ls *LevelState) map[string]Action {
	out := make(map[string]Action)
	if ls == nil {
		return out
	}
	for _, a := range ls.Actions {
		out[a.ActorID] = a
	}
	return out
}

func fillDecision(row *ApproverView, act Action) {
	ts := act.Timestamp
	row.Decision = act.Decision
	row.Timestamp = &ts
	row.Comment = act.Comment
}
