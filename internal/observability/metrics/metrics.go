// Package metrics 使用 Prometheus 暴露编排器、模型服务、工具、缓存与异步任务的运行指标。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/task"
)

const namespace = "chainpilot"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Collector 汇总所有业务指标，并实现 agent.Observer 与 task.JobObserver。
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	iterations      prometheus.Histogram
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	jobLatency      *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpErrors      *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewCollector 创建独立的指标注册表。withRuntime 为 true 时附带 Go 运行时与进程指标。
func NewCollector(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "requests_total",
			Help: "Chat turns processed by the agent, by outcome.",
		}, []string{"outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "request_duration_seconds",
			Help: "Wall time of a chat turn.", Buckets: latencyBuckets,
		}, []string{"outcome"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "iterations",
			Help: "Reasoning rounds used per chat turn.", Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "calls_total",
			Help: "Model provider calls, by provider and status.",
		}, []string{"provider", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "call_duration_seconds",
			Help: "Latency of model provider calls.", Buckets: latencyBuckets,
		}, []string{"provider"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "calls_total",
			Help: "Tool executions, by tool and status.",
		}, []string{"tool", "status"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tool", Name: "call_duration_seconds",
			Help: "Latency of tool executions.", Buckets: latencyBuckets,
		}, []string{"tool"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "processed_total",
			Help: "Async chat job executions, by outcome.",
		}, []string{"outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help: "Execution time of async chat jobs.", Buckets: latencyBuckets,
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by route, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "errors_total",
			Help: "HTTP requests answered with a 5xx status.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: latencyBuckets,
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		c.requests, c.requestLatency, c.iterations,
		c.providerCalls, c.providerLatency,
		c.toolCalls, c.toolLatency,
		c.jobs, c.jobLatency,
		c.httpRequests, c.httpErrors, c.httpLatency,
	)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveRequest 实现 agent.Observer。
func (c *Collector) ObserveRequest(outcome string, iterations int, elapsed time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	c.requestLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if iterations > 0 {
		c.iterations.Observe(float64(iterations))
	}
}

// ObserveProviderCall 实现 agent.Observer。
func (c *Collector) ObserveProviderCall(provider string, err error, elapsed time.Duration) {
	c.providerCalls.WithLabelValues(provider, statusLabel(err == nil)).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveTool 实现 agent.Observer。
func (c *Collector) ObserveTool(tool string, success bool, elapsed time.Duration) {
	c.toolCalls.WithLabelValues(tool, statusLabel(success)).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveJob 实现 task.JobObserver。
func (c *Collector) ObserveJob(outcome string, _ int, elapsed time.Duration) {
	c.jobs.WithLabelValues(outcome).Inc()
	c.jobLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// CacheSource 是可被采集的缓存实例。
type CacheSource interface {
	Name() string
	Stats() cache.Stats
}

// RegisterCaches 将缓存统计注册为采集时读取的指标。
func (c *Collector) RegisterCaches(sources ...CacheSource) error {
	return c.registry.Register(&cacheCollector{sources: sources})
}

// JobStatsFunc 返回当前任务统计。
type JobStatsFunc func(ctx context.Context) (task.Stats, error)

// RegisterJobStats 将任务状态分布注册为采集时读取的指标。
func (c *Collector) RegisterJobStats(fn JobStatsFunc, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return c.registry.Register(&jobCollector{stats: fn, timeout: timeout})
}

var (
	cacheSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Live entries held by a cache.", []string{"cache"}, nil)
	cacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hits_total"),
		"Cache lookups that found a live entry.", []string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "misses_total"),
		"Cache lookups that found nothing or an expired entry.", []string{"cache"}, nil)
	cacheEvictionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "evictions_total"),
		"Entries evicted to respect the size bound.", []string{"cache"}, nil)
	jobStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "jobs", "by_status"),
		"Async chat jobs currently in each status.", []string{"status"}, nil)
)

type cacheCollector struct {
	sources []CacheSource
}

func (cc *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheSizeDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
}

func (cc *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range cc.sources {
		if src == nil {
			continue
		}
		stats := src.Stats()
		name := src.Name()
		ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(stats.Size), name)
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(stats.Hits), name)
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(stats.Misses), name)
		ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(stats.Evictions), name)
	}
}

type jobCollector struct {
	stats   JobStatsFunc
	timeout time.Duration
}

func (jc *jobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobStatusDesc
}

func (jc *jobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), jc.timeout)
	defer cancel()
	stats, err := jc.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(jobStatusDesc, err)
		return
	}
	for status, value := range map[task.Status]int{
		task.StatusPending:   stats.Pending,
		task.StatusRunning:   stats.Running,
		task.StatusSucceeded: stats.Succeeded,
		task.StatusFailed:    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(jobStatusDesc, prometheus.GaugeValue, float64(value), string(status))
	}
}

var (
	_ agent.Observer   = (*Collector)(nil)
	_ task.JobObserver = (*Collector)(nil)
)
