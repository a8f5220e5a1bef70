package toolset

// computeSummary derives project KPIs from a task list the way
// getProjectSummary reports them: completion rate as a ratio in [0, 1]
// rather than a percentage.
func computeSummary(tasks []taskSummary) (total, open, closed, overdue int, completionRate float64) {
	total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case "closed":
			closed++
		case "overdue":
			overdue++
		default:
			open++
		}
	}
	if total > 0 {
		completionRate = float64(closed) / float64(total)
	}
	return total, open, closed, overdue, completionRate
}

type taskSummary struct {
	Status string
}
