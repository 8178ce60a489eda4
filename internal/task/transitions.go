package task

// edges 只包含自动流程允许的前进方向。
var edges = map[Status][]Status{
	StatusNew:             {StatusInProgress},
	StatusInProgress:      {StatusPendingApproval, StatusCompleted, StatusFailed},
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusInProgress},
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusClosed:
		return true
	default:
		return false
	}
}

// CanTransition 判断 from 到 to 是否是状态图中的合法边。
// 相同状态视为合法的空操作；任意非终态都可以升级为 escalated。
func CanTransition(from, to Status) bool {
	if !IsValidStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	if IsTerminal(from) {
		return false
	}
	if to == StatusEscalated {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanResume 判断任务是否允许通过 resume 重新进入 in_progress。
func CanResume(from Status) bool {
	return IsValidStatus(from) && !IsTerminal(from)
}
