/*
Copyright 2019 The Machine Controller Authors.

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

// Package reporter is the Reporter / Progress Logger (C10): structured
// events scoped by (stage, transmitter), best-effort, never on the critical
// path. Logging is go.uber.org/zap, the codebase's own ambient logging
// library, used the same way the eviction package threads a
// *zap.SugaredLogger through every call (pkg/node/eviction/eviction.go).
package reporter

import (
	"go.uber.org/zap"

	"github.com/nexops/deploy-engine/pkg/metrics"
)

// EventKind is the reporter's event taxonomy.
type EventKind string

const (
	EventInfo            EventKind = "Info"
	EventWarning         EventKind = "Warning"
	EventError           EventKind = "Error"
	EventDeployedSuccess EventKind = "DeployedSuccess"
	EventDeployedError   EventKind = "DeployedError"
)

// Stage names which half of a request an event belongs to.
type Stage string

const (
	StageInfrastructure Stage = "Infrastructure"
	StageEnvironment    Stage = "Environment"
)

// Transmitter names the emitting subsystem.
type Transmitter string

const (
	TransmitterCluster     Transmitter = "Cluster"
	TransmitterEnvironment Transmitter = "Environment"
	TransmitterService     Transmitter = "Service"
	TransmitterTaskManager Transmitter = "TaskManager"
)

// EventDetails scopes one Event.
type EventDetails struct {
	CloudKind   string
	OrgID       string
	ClusterID   string
	ExecutionID string
	Stage       Stage
	StageStep   string
	Transmitter Transmitter
}

// Event is one reporter message.
type Event struct {
	Kind    EventKind
	Details EventDetails
	Message string
	Payload map[string]any
}

// Sink delivers Events, guaranteeing per-transmitter ordering via one
// buffered channel per transmitter key. Delivery is best-effort: a full
// channel drops the event (and bumps ReporterDroppedTotal) rather than
// blocking the caller: reporting must never sit on the deploy critical path.
type Sink struct {
	log     *zap.SugaredLogger
	metrics *metrics.Collection

	chans map[Transmitter]chan Event
}

const channelBuffer = 256

// NewSink builds a Sink with one goroutine per transmitter draining into
// the structured logger. This package only guarantees per-transmitter
// ordering and local logging; it exposes no hook for forwarding events to
// an external log pipeline.
func NewSink(log *zap.SugaredLogger, m *metrics.Collection) *Sink {
	s := &Sink{
		log:     log,
		metrics: m,
		chans:   make(map[Transmitter]chan Event),
	}
	for _, t := range []Transmitter{TransmitterCluster, TransmitterEnvironment, TransmitterService, TransmitterTaskManager} {
		ch := make(chan Event, channelBuffer)
		s.chans[t] = ch
		go s.drain(ch)
	}
	return s
}

func (s *Sink) drain(ch chan Event) {
	for ev := range ch {
		s.logEvent(ev)
	}
}

func (s *Sink) logEvent(ev Event) {
	logf := s.log.Infow
	switch ev.Kind {
	case EventWarning:
		logf = s.log.Warnw
	case EventError, EventDeployedError:
		logf = s.log.Errorw
	}
	logf(ev.Message,
		"kind", ev.Kind,
		"cloudKind", ev.Details.CloudKind,
		"orgID", ev.Details.OrgID,
		"clusterID", ev.Details.ClusterID,
		"executionID", ev.Details.ExecutionID,
		"stage", ev.Details.Stage,
		"stageStep", ev.Details.StageStep,
		"transmitter", ev.Details.Transmitter,
		"payload", ev.Payload,
	)
}

// Emit queues ev for its transmitter's channel. Drops (and counts) under
// backpressure instead of blocking.
func (s *Sink) Emit(ev Event) {
	ch, ok := s.chans[ev.Details.Transmitter]
	if !ok {
		s.logEvent(ev)
		return
	}
	select {
	case ch <- ev:
	default:
		if s.metrics != nil {
			s.metrics.ReporterDroppedTotal.Inc()
		}
		s.log.Warnw("dropping reporter event under backpressure", "transmitter", ev.Details.Transmitter, "message", ev.Message)
	}
}

func (s *Sink) Info(details EventDetails, message string, payload map[string]any) {
	s.Emit(Event{Kind: EventInfo, Details: details, Message: message, Payload: payload})
}

func (s *Sink) Warning(details EventDetails, message string, payload map[string]any) {
	s.Emit(Event{Kind: EventWarning, Details: details, Message: message, Payload: payload})
}

func (s *Sink) Error(details EventDetails, message string, payload map[string]any) {
	s.Emit(Event{Kind: EventError, Details: details, Message: message, Payload: payload})
}

func (s *Sink) DeployedSuccess(details EventDetails, message string, payload map[string]any) {
	s.Emit(Event{Kind: EventDeployedSuccess, Details: details, Message: message, Payload: payload})
}

func (s *Sink) DeployedError(details EventDetails, message string, payload map[string]any) {
	s.Emit(Event{Kind: EventDeployedError, Details: details, Message: message, Payload: payload})
}

// Close stops all drain goroutines. Callers must not Emit after Close.
func (s *Sink) Close() {
	for _, ch := range s.chans {
		close(ch)
	}
}
