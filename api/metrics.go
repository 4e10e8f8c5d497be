package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type taskRequestMetrics struct {
	logger         *log.Logger
	start          time.Time
	fetchDuration  time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	errorStage     string
}

func newTaskRequestMetrics(logger *log.Logger) *taskRequestMetrics {
	return &taskRequestMetrics{
		logger: logger,
		start:  time.Now(),
	}
}

func (m *taskRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *taskRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":          "/api/:workspace/tasks",
		"status":         status,
		"total_ms":       durationToMillis(time.Since(m.start)),
		"tasks_returned": m.tasksReturned,
	}

	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("tasks.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
