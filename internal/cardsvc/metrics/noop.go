package metrics

var _ Recorder = NoopMetrics{}

// NoopMetrics discards everything. Used by tests and the sweeper worker when
// no metrics endpoint is exposed.
type NoopMetrics struct{}

func NewNoopMetrics() Recorder { return NoopMetrics{} }

func (NoopMetrics) RecordVerify(string) {}
func (NoopMetrics) RecordGenerated(int) {}
func (NoopMetrics) RecordGenerateFailures(int) {}
func (NoopMetrics) RecordSweep(int, int) {}
func (NoopMetrics) RecordBackgroundFailure(string) {}
func (NoopMetrics) RecordEvent(string) {}
