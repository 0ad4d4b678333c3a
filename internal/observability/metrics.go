package observability

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// Metrics is a small Prometheus text-format registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	apiRequests   *CounterVec
	apiLatency    *HistogramVec
	jobClaims     *CounterVec
	jobTerminal   *CounterVec
	jobDuration   *HistogramVec
	cascadeMoves  *CounterVec
	stageAdvances *CounterVec
	modelRequests *CounterVec
	modelLatency  *HistogramVec
	modelTokens   *CounterVec
	queueDepth    *GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Init(enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("dialectic_api_requests_total", "API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec("dialectic_api_request_duration_seconds", "API latency in seconds.",
				[]string{"method", "route"}, []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}),
			jobClaims:   NewCounterVec("dialectic_job_claims_total", "Jobs claimed by workers.", []string{"job_type"}),
			jobTerminal: NewCounterVec("dialectic_job_terminal_total", "Handler outcomes by job type and status.", []string{"job_type", "status"}),
			jobDuration: NewHistogramVec("dialectic_job_duration_seconds", "Handler run time in seconds.",
				[]string{"job_type"}, []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}),
			cascadeMoves:  NewCounterVec("dialectic_cascade_transitions_total", "Parent transitions made by the completion cascade.", []string{"to"}),
			stageAdvances: NewCounterVec("dialectic_stage_advances_total", "Session stage advances.", []string{"outcome"}),
			modelRequests: NewCounterVec("dialectic_model_requests_total", "Model calls by model/status.", []string{"model", "status"}),
			modelLatency: NewHistogramVec("dialectic_model_request_duration_seconds", "Model call latency in seconds.",
				[]string{"model"}, []float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
			modelTokens: NewCounterVec("dialectic_model_tokens_total", "Model tokens by model/direction.", []string{"model", "direction"}),
			queueDepth:  NewGaugeVec("dialectic_job_queue_depth", "Jobs by status.", []string{"status"}),
		}
	})
	return instance
}

func Current() *Metrics { return instance }

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range []collector{
		m.apiRequests, m.apiLatency, m.jobClaims, m.jobTerminal, m.jobDuration,
		m.cascadeMoves, m.stageAdvances, m.modelRequests, m.modelLatency, m.modelTokens, m.queueDepth,
	} {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.Inc(method, route, strconv.Itoa(status))
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) IncJobClaim(jobType string) {
	if m == nil {
		return
	}
	m.jobClaims.Inc(jobType)
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobTerminal.Inc(jobType, status)
	m.jobDuration.Observe(dur.Seconds(), jobType)
}

func (m *Metrics) IncCascadeTransition(to string) {
	if m == nil {
		return
	}
	m.cascadeMoves.Inc(to)
}

func (m *Metrics) IncStageAdvance(outcome string) {
	if m == nil {
		return
	}
	m.stageAdvances.Inc(outcome)
}

func (m *Metrics) ObserveModelRequest(model, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.modelRequests.Inc(model, status)
	m.modelLatency.Observe(dur.Seconds(), model)
	if inputTokens > 0 {
		m.modelTokens.Add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.modelTokens.Add(float64(outputTokens), model, "output")
	}
}

// StartJobQueueCollector samples job counts by status until ctx ends.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	statuses := []string{
		jobs.StatusPending, jobs.StatusWaitingForPrerequisite, jobs.StatusProcessing,
		jobs.StatusWaitingForChildren, jobs.StatusPendingNextStep,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&jobs.DialecticJob{}).
					Select("status, count(*) as count").
					Where("status IN ?", statuses).
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				for _, row := range rows {
					m.queueDepth.Set(float64(row.Count), strings.TrimSpace(row.Status))
				}
			}
		}
	}()
}
