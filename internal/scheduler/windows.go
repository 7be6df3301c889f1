package scheduler

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
)

// Window is an inclusive date range processed as one scheduling unit.
type Window struct {
	Start time.Time
	End   time.Time
}

// Bounds formats the window edges with layout.
func (w Window) Bounds(layout string) (string, string) {
	return w.Start.Format(layout), w.End.Format(layout)
}

// Windows splits [start, end] into consecutive windows of intervalDays.
// Each window starts where the previous one ended; the last one is clipped
// to end. When start equals end a single zero-length window is produced.
func Windows(start, end time.Time, intervalDays int) ([]Window, error) {
	if intervalDays <= 0 {
		return nil, fmt.Errorf("window interval must be positive, got %d", intervalDays)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("window end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	var out []Window
	for from := start; ; {
		to := from.AddDate(0, 0, intervalDays)
		last := !to.Before(end)
		if last {
			to = end
		}
		out = append(out, Window{Start: from, End: to})
		if last {
			return out, nil
		}
		from = to
	}
}

// Plan parses the batch bounds and returns the windows of a run.
func Plan(batch config.BatchConfig) ([]Window, error) {
	layout, err := batchLayout(batch)
	if err != nil {
		return nil, err
	}
	start, err := time.Parse(layout, batch.DateStart)
	if err != nil {
		return nil, fmt.Errorf("parsing batch start: %w", err)
	}
	end, err := time.Parse(layout, batch.DateEnd)
	if err != nil {
		return nil, fmt.Errorf("parsing batch end: %w", err)
	}
	return Windows(start, end, batch.Interval)
}

func batchLayout(batch config.BatchConfig) (string, error) {
	if batch.Layout != "" {
		return batch.Layout, nil
	}
	return config.LayoutFromDateFormat(batch.DateFormat)
}
