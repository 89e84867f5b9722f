package instrumentation

// DefaultLoopProgressSteps is the number of progress updates a loop reports.
const DefaultLoopProgressSteps = 32

// LoopProgress turns iterations of a loop of known size into a bounded number of
// progress updates that sum to exactly one.
type LoopProgress struct {
	size     int
	steps    int
	position int
	reported int
	record   func(float64)
}

// NewLoopProgress creates a LoopProgress for size iterations reporting through
// record.
func NewLoopProgress(size int, record func(float64)) *LoopProgress {
	return NewLoopProgressWithSteps(size, DefaultLoopProgressSteps, record)
}

// NewLoopProgressWithSteps is NewLoopProgress with a custom number of updates.
func NewLoopProgressWithSteps(size, steps int, record func(float64)) *LoopProgress {
	if steps > size {
		steps = size
	}
	if steps < 1 {
		steps = 1
	}
	return &LoopProgress{size: size, steps: steps, record: record}
}

// Increment advances the loop by n iterations.
func (l *LoopProgress) Increment(n int) {
	if l.size <= 0 || l.record == nil {
		return
	}
	l.position += n
	if l.position > l.size {
		l.position = l.size
	}
	step := l.position * l.steps / l.size
	if step > l.reported {
		l.record(float64(step-l.reported) / float64(l.steps))
		l.reported = step
	}
}

// Finish reports whatever progress remains.
func (l *LoopProgress) Finish() {
	if l.size <= 0 {
		if l.record != nil && l.reported == 0 {
			l.record(1)
			l.reported = l.steps
		}
		return
	}
	l.Increment(l.size - l.position)
}
