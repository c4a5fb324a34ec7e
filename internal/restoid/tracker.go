package restoid

// tracker routes stage transitions and parsed tool updates into an Operation.
type tracker struct {
	op    *Operation
	sched *StageScheduler
}

func newTracker(op *Operation, stages ...string) *tracker {
	return &tracker{op: op, sched: NewStageScheduler(stages...)}
}

// begin enters the named stage with zero progress.
func (t *tracker) begin(stage string) {
	if !t.sched.BeginNamed(stage) {
		return
	}
	overall := t.sched.Overall()
	t.op.Update(func(s *ProgressState) {
		s.StageTitle = stage
		s.StagePercentage = 0
		s.OverallPercentage = overall
		s.CurrentItem = ""
		s.ItemsProcessed = 0
		s.TotalItems = 0
		s.BytesProcessed = 0
		s.TotalBytes = 0
	})
}

// complete marks the current stage as done.
func (t *tracker) complete() {
	overall := t.sched.Complete()
	t.op.Update(func(s *ProgressState) {
		s.StagePercentage = 1
		s.OverallPercentage = overall
	})
}

// apply overwrites the state with a tool update. Error lines carry no progress
// and are only surfaced as the current item.
func (t *tracker) apply(u ProgressUpdate) {
	if u.IsError() {
		return
	}
	overall := t.sched.Update(u.StagePercentage)
	t.op.Update(func(s *ProgressState) {
		s.StagePercentage = t.sched.Fraction()
		s.OverallPercentage = overall
		s.ItemsProcessed = u.FilesProcessed
		s.TotalItems = u.TotalFiles
		s.BytesProcessed = u.BytesProcessed
		s.TotalBytes = u.TotalBytes
		if u.CurrentFile != "" {
			s.CurrentItem = u.CurrentFile
		}
	})
}

// item reports per-app progress inside a stage.
func (t *tracker) item(name string, done, total int) {
	fraction := 1.0
	if total > 0 {
		fraction = float64(done) / float64(total)
	}
	overall := t.sched.Update(fraction)
	t.op.Update(func(s *ProgressState) {
		s.StagePercentage = t.sched.Fraction()
		s.OverallPercentage = overall
		s.CurrentItem = name
		s.ItemsProcessed = int64(done)
		s.TotalItems = int64(total)
	})
}
