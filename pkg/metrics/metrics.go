package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TaskTotal, TaskDuration,
		MessagesTotal, PublishTotal,
		WSConnections, HubMonitors,
	)
}

// TaskTotal 任务终态总数（按类型与状态）
var TaskTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "docflow_task_total",
		Help: "任务终态总数",
	},
	[]string{"type", "status"}, // completed | failed | cancelled | skipped
)

// TaskDuration 单条消息处理耗时（秒）
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "docflow_task_duration_seconds",
		Help:    "任务处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type"},
)

// MessagesTotal 消费侧消息结果
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "docflow_messages_total",
		Help: "消费消息总数（按结果）",
	},
	[]string{"queue", "outcome"}, // acked | dropped | requeued
)

// PublishTotal 发布结果
var PublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "docflow_publish_total",
		Help: "消息发布总数",
	},
	[]string{"routing_key", "result"}, // ok | error
)

// WSConnections 当前 WebSocket 连接数
var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "docflow_ws_connections",
		Help: "当前 WebSocket 连接数",
	},
)

// HubMonitors 当前活跃的任务监控循环数
var HubMonitors = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "docflow_hub_monitors",
		Help: "当前活跃的任务监控循环数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
