package restoid

// Stage names used by the orchestrators.
const (
	StageTransfer   = "Transfer"
	StageProcessing = "Processing Apps"
	StageCleanup    = "Cleanup"
	StageBackup     = "Backup"
	StageMetadata   = "Metadata"
)

// StageScheduler maps per-stage fractional progress onto one overall fraction
// across an ordered list of stages:
//
//	overall = (stageIndex + stageFraction) / len(stages)
//
// Moving to a later stage never lowers the overall fraction. Feeding a lower
// fraction for the same stage does lower it; updates are last-write-wins.
type StageScheduler struct {
	stages   []string
	index    int
	fraction float64
}

// NewStageScheduler creates a scheduler positioned at the start of the first
// stage.
func NewStageScheduler(stages ...string) *StageScheduler {
	return &StageScheduler{stages: append([]string(nil), stages...)}
}

// Stages returns the ordered stage names.
func (s *StageScheduler) Stages() []string {
	return append([]string(nil), s.stages...)
}

// IndexOf returns the position of the named stage, or -1.
func (s *StageScheduler) IndexOf(name string) int {
	for i, st := range s.stages {
		if st == name {
			return i
		}
	}
	return -1
}

// Begin moves to the stage at index with zero progress. Out of range indexes
// are clamped.
func (s *StageScheduler) Begin(index int) {
	if index < 0 {
		index = 0
	}
	if index >= len(s.stages) {
		index = len(s.stages) - 1
	}
	s.index = index
	s.fraction = 0
}

// BeginNamed moves to the named stage. It reports false if the stage is not
// part of this operation.
func (s *StageScheduler) BeginNamed(name string) bool {
	i := s.IndexOf(name)
	if i < 0 {
		return false
	}
	s.Begin(i)
	return true
}

// Update sets the fraction of the current stage and returns the overall
// fraction.
func (s *StageScheduler) Update(fraction float64) float64 {
	s.fraction = clampFraction(fraction)
	return s.Overall()
}

// Complete marks the current stage as fully done. A stage without work items
// is advanced through by calling Begin followed by Complete.
func (s *StageScheduler) Complete() float64 {
	return s.Update(1)
}

// Title returns the current stage name.
func (s *StageScheduler) Title() string {
	if len(s.stages) == 0 {
		return ""
	}
	return s.stages[s.index]
}

// Index returns the current stage index.
func (s *StageScheduler) Index() int { return s.index }

// Fraction returns the current stage fraction.
func (s *StageScheduler) Fraction() float64 { return s.fraction }

// Overall returns the continuous overall fraction in [0,1].
func (s *StageScheduler) Overall() float64 {
	if len(s.stages) == 0 {
		return 0
	}
	return (float64(s.index) + s.fraction) / float64(len(s.stages))
}
