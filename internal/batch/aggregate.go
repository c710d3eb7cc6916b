package batch

import (
	"query-orchestrator/internal/storage"
)

// Counts tallies child executions by status.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Total is the number of children counted.
func (c Counts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Cancelled
}

// Active is the number of children not yet terminal.
func (c Counts) Active() int {
	return c.Pending + c.Running
}

// Tally counts children by status.
func Tally(children []storage.Execution) Counts {
	var c Counts
	for i := range children {
		switch children[i].Status {
		case storage.StatusPending:
			c.Pending++
		case storage.StatusRunning:
			c.Running++
		case storage.StatusCompleted:
			c.Completed++
		case storage.StatusFailed:
			c.Failed++
		case storage.StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Aggregate derives the batch status from child counts alone.
//
//	any pending or running        -> running
//	every child completed         -> completed
//	some completed, some not      -> partial
//	none completed (or no child)  -> failed
func Aggregate(c Counts) storage.BatchStatus {
	switch {
	case c.Active() > 0:
		return storage.BatchRunning
	case c.Total() == 0:
		return storage.BatchFailed
	case c.Completed == c.Total():
		return storage.BatchCompleted
	case c.Completed > 0:
		return storage.BatchPartial
	default:
		return storage.BatchFailed
	}
}

// Resolve combines the stored status with the child tally. An explicit
// cancellation is never overridden by child outcomes.
func Resolve(stored storage.BatchStatus, c Counts) storage.BatchStatus {
	if stored == storage.BatchCancelled {
		return storage.BatchCancelled
	}
	return Aggregate(c)
}
