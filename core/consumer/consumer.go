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

// Package consumer runs the single-threaded ingest loop: poll the ring
// buffer, feed the engine, fan completed matches out to the verdict
// pipeline and any subscribed correlator.
package consumer

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"
	goevents "github.com/docker/go-events"

	"github.com/grimoire-host/grimoire/core/engine"
	"github.com/grimoire-host/grimoire/core/event"
	"github.com/grimoire-host/grimoire/core/oracle"
	"github.com/grimoire-host/grimoire/core/verdict"
	"github.com/grimoire-host/grimoire/defaults"
)

// Source is the event side of the oracle; faked in tests.
type Source interface {
	ReadRecord(deadline time.Time) ([]byte, error)
	Counters() (oracle.Counters, error)
}

// Config bounds the loop's poll and shutdown drain.
type Config struct {
	PollTimeout  time.Duration
	DrainTimeout time.Duration
}

// Loop owns the engine and drives it from the source. Everything mutable
// stays on the loop goroutine; the health snapshot is the only shared
// surface.
type Loop struct {
	src      Source
	engine   *engine.Engine
	pipeline *verdict.Pipeline
	sinks    *goevents.Broadcaster

	poll  time.Duration
	drain time.Duration

	mu     sync.Mutex
	health Health

	decodeFails uint64
	lastEventNs uint64
}

// New builds the loop. The verdict pipeline runs synchronously on the
// loop goroutine; the broadcaster only serves extra subscribers.
func New(src Source, eng *engine.Engine, pipeline *verdict.Pipeline, cfg Config) *Loop {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaults.DefaultPollTimeout
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaults.DefaultDrainTimeout
	}
	return &Loop{
		src:      src,
		engine:   eng,
		pipeline: pipeline,
		sinks:    goevents.NewBroadcaster(),
		poll:     poll,
		drain:    drain,
	}
}

// Subscribe registers an additional match sink; this is the integration
// point for a higher-level correlator. Subscribers receive matches on the
// broadcaster's own goroutine; a subscriber that is slow to accept a
// match delays the loop's next fan-out write.
func (l *Loop) Subscribe(sink goevents.Sink) {
	l.sinks.Add(sink)
}

// Run polls until the context is cancelled, then drains the ring buffer
// under a short deadline. The caller detaches the probe and flushes the
// alert log after Run returns.
func (l *Loop) Run(ctx context.Context) error {
	log.G(ctx).WithField("poll", l.poll).Info("consumer loop started")
	for {
		select {
		case <-ctx.Done():
			l.drainRemaining()
			log.G(ctx).Info("consumer loop stopped")
			return nil
		default:
		}

		raw, err := l.src.ReadRecord(time.Now().Add(l.poll))
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				l.housekeeping()
				continue
			}
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				l.drainRemaining()
				return nil
			}
			log.G(ctx).WithError(err).Warn("ring buffer read failed")
			continue
		}
		l.ingest(raw)
	}
}

func (l *Loop) ingest(raw []byte) {
	ev, err := event.Decode(raw)
	if err != nil {
		l.decodeFails++
		log.L.WithError(err).Debug("dropped undecodable event record")
		return
	}
	l.lastEventNs = ev.TimestampNs
	if res := l.engine.ProcessEvent(ev); res != nil {
		l.pipeline.Handle(res)
		if err := l.sinks.Write(res); err != nil {
			log.L.WithError(err).Warn("match fan-out failed")
		}
	}
	l.publishHealth()
}

// housekeeping runs on idle poll ticks: expire stale engine state and
// refresh the health snapshot.
func (l *Loop) housekeeping() {
	if l.lastEventNs != 0 {
		l.engine.Expire(l.lastEventNs)
	}
	l.publishHealth()
}

// drainRemaining empties what the kernel already submitted, bounded by
// the drain deadline, so in-flight matches are not lost at shutdown.
func (l *Loop) drainRemaining() {
	deadline := time.Now().Add(l.drain)
	for time.Now().Before(deadline) {
		raw, err := l.src.ReadRecord(deadline)
		if err != nil {
			break
		}
		l.ingest(raw)
	}
	l.publishHealth()
}

func (l *Loop) publishHealth() {
	kc, err := l.src.Counters()
	if err != nil {
		log.L.WithError(err).Debug("kernel counter read failed")
	}
	es := l.engine.Stats()
	vs := l.pipeline.Stats()

	l.mu.Lock()
	l.health = Health{
		Kernel:                 kc,
		ActiveProcesses:        es.ActiveProcesses,
		ActiveMatchStates:      es.ActiveMatchStates,
		Evictions:              es.Evictions,
		RelationshipAdvisories: es.RelationshipAdvisories,
		StringReadFailures:     es.StringReadFailures,
		DecodeFailures:         l.decodeFails,
		MatchesTotal:           vs.MatchesTotal,
		MatchesBySeverity:      severityMap(vs.MatchesBySeverity),
		Terminations:           vs.Terminations,
		TerminationsFailed:     vs.TerminationsFailed,
		LogWriteFails:          vs.LogWriteFails,
	}
	l.mu.Unlock()
}

// Health returns the latest snapshot; safe from any goroutine.
func (l *Loop) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}
