package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunInstruments 运行级 OTel 指标，经全局 MeterProvider 导出。
// 遥测关闭时全局 provider 为 noop，记录为空操作。
type RunInstruments struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunInstruments 在全局 MeterProvider 上创建运行指标
func NewRunInstruments() (*RunInstruments, error) {
	return NewRunInstrumentsWith(otel.Meter(InstrumentationName))
}

// NewRunInstrumentsWith 在指定 Meter 上创建运行指标
func NewRunInstrumentsWith(meter metric.Meter) (*RunInstruments, error) {
	runs, err := meter.Int64Counter("agenttree.runs",
		metric.WithDescription("Finished runs by entry agent and status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("agenttree.run.duration",
		metric.WithDescription("Run wall-clock duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &RunInstruments{runs: runs, duration: duration}, nil
}

// RecordRun 记录一次结束的运行，nil 接收者安全
func (r *RunInstruments) RecordRun(ctx context.Context, agent, status string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrAgentID.String(agent),
		attribute.String("status", status),
	)
	r.runs.Add(ctx, 1, attrs)
	r.duration.Record(ctx, d.Seconds(), attrs)
}
