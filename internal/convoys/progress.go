package convoys

import "github.com/dohr-michael/overseer/internal/tasks"

// Progress is a view over member task statuses. It is recomputed on every read
// and never persisted.
type Progress struct {
	Total           int                  `json:"total"`
	ByStatus        map[tasks.Status]int `json:"by_status"`
	Completed       int                  `json:"completed"`
	Failed          int                  `json:"failed"`
	PercentComplete int                  `json:"percent_complete"`
	AllComplete     bool                 `json:"all_complete"`
	HasFailures     bool                 `json:"has_failures"`
}

// ComputeProgress summarizes member statuses. An empty convoy counts as
// complete: it has no member left to finish.
func ComputeProgress(statuses []tasks.Status) Progress {
	p := Progress{
		Total:    len(statuses),
		ByStatus: make(map[tasks.Status]int, len(tasks.AllStatuses)),
	}
	for _, st := range statuses {
		p.ByStatus[st]++
	}
	p.Completed = p.ByStatus[tasks.StatusCompleted]
	p.Failed = p.ByStatus[tasks.StatusFailed]
	if p.Total > 0 {
		p.PercentComplete = p.Completed * 100 / p.Total
	}
	p.AllComplete = p.Completed == p.Total
	p.HasFailures = p.Failed > 0
	return p
}

// View pairs a convoy with its derived progress.
type View struct {
	*Convoy
	Progress Progress `json:"progress"`
}
