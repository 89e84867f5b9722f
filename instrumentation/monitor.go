package instrumentation

import (
	"time"

	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
)

// DefaultMonitorInterval is how often Monitor polls.
const DefaultMonitorInterval = 20 * time.Millisecond

// Monitor polls inst until it is finished, writing a progress document to w
// whenever the task or the whole percentage changes. When the task changes the
// previous task is first reported complete. After the analysis finishes one final
// progress document is written, never lower than the last one written. Monitor
// is meant to run on its own goroutine.
func Monitor(inst *Instrumentation, w *jsonwriter.LineWriter) {
	MonitorWithInterval(inst, w, DefaultMonitorInterval)
}

// MonitorWithInterval is Monitor with a custom polling interval.
func MonitorWithInterval(inst *Instrumentation, w *jsonwriter.LineWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastTask, lastProgress := NoTask, -1
	report := func(task string, progress int) {
		if task != lastTask && lastProgress >= 0 && lastProgress < 100 {
			if err := inst.writeProgress(w, lastTask, 100); err != nil {
				inst.logger.Error("Failed writing progress", err)
			}
		}
		if task != lastTask || progress > lastProgress {
			if err := inst.writeProgress(w, task, progress); err != nil {
				inst.logger.Error("Failed writing progress", err)
			}
			lastTask, lastProgress = task, progress
		}
	}

	for !inst.Finished() {
		report(inst.taskAndProgress())
		<-ticker.C
	}

	// The finished flag is stored after the worker's last update, so this read
	// observes the final state.
	task, progress := inst.taskAndProgress()
	if task == lastTask && progress < lastProgress {
		progress = lastProgress
	}
	if err := inst.writeProgress(w, task, progress); err != nil {
		inst.logger.Error("Failed writing progress", err)
	}
}
