/*
   Copyright The grimoire Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package consumer

import (
	metrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grimoire-host/grimoire/core/oracle"
	"github.com/grimoire-host/grimoire/core/pattern"
)

// Health is the operator-facing snapshot combining kernel and user-space
// counters.
type Health struct {
	Kernel oracle.Counters `json:"kernel"`

	ActiveProcesses        int               `json:"active_processes"`
	ActiveMatchStates      int               `json:"active_match_states"`
	Evictions              uint64            `json:"evictions"`
	RelationshipAdvisories uint64            `json:"relationship_advisory"`
	StringReadFailures     uint64            `json:"string_read_failures"`
	DecodeFailures         uint64            `json:"decode_failures"`
	MatchesTotal           uint64            `json:"matches_total"`
	MatchesBySeverity      map[string]uint64 `json:"matches_by_severity"`
	Terminations           uint64            `json:"terminations"`
	TerminationsFailed     uint64            `json:"terminations_failed"`
	LogWriteFails          uint64            `json:"log_write_fail"`
}

func severityMap(counts [pattern.SeverityCritical + 1]uint64) map[string]uint64 {
	m := make(map[string]uint64, len(counts))
	for i, n := range counts {
		m[pattern.Severity(i).String()] = n
	}
	return m
}

// collector exports the health snapshot on prometheus scrape; nothing is
// sampled off the loop goroutine except the snapshot itself.
type collector struct {
	loop *Loop

	seen         *prometheus.Desc
	filterPassed *prometheus.Desc
	emitted      *prometheus.Desc
	dropped      *prometheus.Desc

	activeProcs  *prometheus.Desc
	activeStates *prometheus.Desc
	evictions    *prometheus.Desc
	matches      *prometheus.Desc
	bySeverity   *prometheus.Desc
	terminations *prometheus.Desc
	termFailed   *prometheus.Desc
	logFails     *prometheus.Desc
}

// RegisterMetrics attaches the health collector to a go-metrics
// namespace. The caller registers the namespace with the global metrics
// registry.
func RegisterMetrics(ns *metrics.Namespace, loop *Loop) {
	c := &collector{
		loop:         loop,
		seen:         ns.NewDesc("events_seen", "Syscall entries observed by the probe", metrics.Total),
		filterPassed: ns.NewDesc("events_filter_passed", "Events passing the monitored-set filter", metrics.Total),
		emitted:      ns.NewDesc("events_emitted", "Events submitted to the ring buffer", metrics.Total),
		dropped:      ns.NewDesc("events_dropped", "Events lost to ring-buffer saturation", metrics.Total),
		activeProcs:  ns.NewDesc("active_processes", "PIDs currently tracked by the engine", metrics.Unit("entries")),
		activeStates: ns.NewDesc("active_match_states", "In-flight pattern sequences", metrics.Unit("entries")),
		evictions:    ns.NewDesc("process_evictions", "PIDs evicted from a full process table", metrics.Total),
		matches:      ns.NewDesc("matches", "Completed pattern matches", metrics.Total),
		bySeverity:   ns.NewDesc("matches_severity", "Completed pattern matches by severity", metrics.Total, "severity"),
		terminations: ns.NewDesc("terminations", "Processes terminated by enforcement", metrics.Total),
		termFailed:   ns.NewDesc("terminations_failed", "Enforcement signals that failed", metrics.Total),
		logFails:     ns.NewDesc("log_write_failures", "Alert records dropped after retry", metrics.Total),
	}
	ns.Add(c)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.seen
	ch <- c.filterPassed
	ch <- c.emitted
	ch <- c.dropped
	ch <- c.activeProcs
	ch <- c.activeStates
	ch <- c.evictions
	ch <- c.matches
	ch <- c.bySeverity
	ch <- c.terminations
	ch <- c.termFailed
	ch <- c.logFails
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	h := c.loop.Health()
	ch <- prometheus.MustNewConstMetric(c.seen, prometheus.CounterValue, float64(h.Kernel.Seen))
	ch <- prometheus.MustNewConstMetric(c.filterPassed, prometheus.CounterValue, float64(h.Kernel.FilterPassed))
	ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(h.Kernel.Emitted))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(h.Kernel.Dropped))
	ch <- prometheus.MustNewConstMetric(c.activeProcs, prometheus.GaugeValue, float64(h.ActiveProcesses))
	ch <- prometheus.MustNewConstMetric(c.activeStates, prometheus.GaugeValue, float64(h.ActiveMatchStates))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(h.Evictions))
	ch <- prometheus.MustNewConstMetric(c.matches, prometheus.CounterValue, float64(h.MatchesTotal))
	for severity, n := range h.MatchesBySeverity {
		ch <- prometheus.MustNewConstMetric(c.bySeverity, prometheus.CounterValue, float64(n), severity)
	}
	ch <- prometheus.MustNewConstMetric(c.terminations, prometheus.CounterValue, float64(h.Terminations))
	ch <- prometheus.MustNewConstMetric(c.termFailed, prometheus.CounterValue, float64(h.TerminationsFailed))
	ch <- prometheus.MustNewConstMetric(c.logFails, prometheus.CounterValue, float64(h.LogWriteFails))
}
