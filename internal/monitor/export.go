package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// ExportMetrics renders the metrics tree. Supported formats are "json" and
// "prometheus" (text exposition with # HELP and # TYPE lines).
func (m *Monitor) ExportMetrics(format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return json.MarshalIndent(m.GetAllMetrics(), "", "  ")
	case "prometheus":
		return m.exportPrometheus()
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func (m *Monitor) exportPrometheus() ([]byte, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(&treeCollector{tree: m.GetAllMetrics()}); err != nil {
		return nil, err
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// treeCollector exposes one point-in-time MetricsTree as Prometheus metrics.
// Task series are namespaced by sanitized task name, e.g. a task named
// "Daily Sync" yields task_Daily_Sync_total_runs{task_id="..."}.
type treeCollector struct {
	tree MetricsTree
}

func (c *treeCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *treeCollector) Collect(ch chan<- prometheus.Metric) {
	g := c.tree.Global
	globals := []struct {
		name string
		help string
		kind prometheus.ValueType
		val  float64
	}{
		{"scheduler_tasks", "Number of known tasks.", prometheus.GaugeValue, float64(g.TotalTasks)},
		{"scheduler_pending_tasks", "Tasks currently pending.", prometheus.GaugeValue, float64(g.PendingTasks)},
		{"scheduler_running_tasks", "Tasks currently running.", prometheus.GaugeValue, float64(g.RunningTasks)},
		{"scheduler_success_tasks", "Tasks whose last run succeeded.", prometheus.GaugeValue, float64(g.SuccessTasks)},
		{"scheduler_error_tasks", "Tasks whose last run failed.", prometheus.GaugeValue, float64(g.ErrorTasks)},
		{"scheduler_missed_tasks", "Tasks whose last firing was missed.", prometheus.GaugeValue, float64(g.MissedTasks)},
		{"scheduler_paused_tasks", "Tasks currently paused.", prometheus.GaugeValue, float64(g.PausedTasks)},
		{"scheduler_runs_total", "Total finished runs across all tasks.", prometheus.CounterValue, float64(g.TotalRuns)},
		{"scheduler_success_rate", "Fraction of executed runs that succeeded.", prometheus.GaugeValue, g.OverallSuccessRate},
		{"scheduler_uptime_seconds", "Seconds since the monitor started.", prometheus.GaugeValue, g.UptimeSeconds},
	}
	for _, s := range globals {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(s.name, s.help, nil, nil), s.kind, s.val)
	}

	for id, tm := range c.tree.Tasks {
		prefix := "task_" + sanitizeMetricName(tm.TaskName)
		labels := prometheus.Labels{"task_id": id}
		series := []struct {
			suffix string
			help   string
			kind   prometheus.ValueType
			val    float64
		}{
			{"total_runs", "Total finished runs of the task.", prometheus.CounterValue, float64(tm.TotalRuns)},
			{"successful_runs", "Runs that succeeded.", prometheus.CounterValue, float64(tm.SuccessfulRuns)},
			{"failed_runs", "Runs that failed.", prometheus.CounterValue, float64(tm.FailedRuns)},
			{"missed_runs", "Firings missed past the grace period.", prometheus.CounterValue, float64(tm.MissedRuns)},
			{"avg_duration_seconds", "Rolling average run duration.", prometheus.GaugeValue, tm.AvgDuration.Seconds()},
			{"success_rate", "Fraction of executed runs that succeeded.", prometheus.GaugeValue, tm.SuccessRate},
			{"runs_per_hour", "Observed run rate.", prometheus.GaugeValue, tm.RunsPerHour},
		}
		for _, s := range series {
			ch <- prometheus.MustNewConstMetric(
				prometheus.NewDesc(prefix+"_"+s.suffix, s.help, nil, labels), s.kind, s.val)
		}
	}

	for name, v := range c.tree.Custom {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc("custom_"+sanitizeMetricName(name), "Application-defined metric.", nil, nil),
			prometheus.GaugeValue, v)
	}
}

// sanitizeMetricName maps a task name onto the Prometheus metric-name
// alphabet. Case is preserved; spaces and other invalid runes become
// underscores.
func sanitizeMetricName(name string) string {
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		valid := r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9' && i > 0)
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
