package filelock

import (
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

// managerMetrics holds the metrics of one Manager. Every manager has its own
// metrics.Set so several managers (e.g. in tests) never share counters.
type managerMetrics struct {
	set *metrics.Set

	acquiredShared    *metrics.Counter
	acquiredExclusive *metrics.Counter
	timeouts          *metrics.Counter
	interrupted       *metrics.Counter
	failures          *metrics.Counter
	released          *metrics.Counter
	waitSeconds       *metrics.Histogram
}

func newManagerMetrics(trackedPaths func() float64) *managerMetrics {
	set := metrics.NewSet()
	set.NewGauge("plock_tracked_paths", trackedPaths)

	return &managerMetrics{
		set:               set,
		acquiredShared:    set.NewCounter(`plock_acquire_total{mode="shared"}`),
		acquiredExclusive: set.NewCounter(`plock_acquire_total{mode="exclusive"}`),
		timeouts:          set.NewCounter("plock_acquire_timeout_total"),
		interrupted:       set.NewCounter("plock_acquire_interrupted_total"),
		failures:          set.NewCounter("plock_acquire_error_total"),
		released:          set.NewCounter("plock_release_total"),
		waitSeconds:       set.NewHistogram("plock_acquire_wait_seconds"),
	}
}

func (m *managerMetrics) onAcquired(mode Mode, start time.Time) {
	if mode == ModeExclusive {
		m.acquiredExclusive.Inc()
	} else {
		m.acquiredShared.Inc()
	}
	m.waitSeconds.Update(time.Since(start).Seconds())
}

func (m *managerMetrics) onFailed(err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		m.timeouts.Inc()
	case errors.Is(err, ErrInterrupted):
		m.interrupted.Inc()
	default:
		m.failures.Inc()
	}
}

func (m *managerMetrics) onReleased() {
	m.released.Inc()
}

func (m *managerMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}
