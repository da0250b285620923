package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("studio-metrics")

// Outcome labels
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStale     = "stale"
)

// SessionMetrics provides metrics collection for studio sessions
type SessionMetrics struct {
	sessionsActiveGauge     metric.Int64UpDownCounter
	chatTurnsCounter        metric.Int64Counter
	chatTurnDuration        metric.Float64Histogram
	codeGenerationsCounter  metric.Int64Counter
	codeGenerationDuration  metric.Float64Histogram
	savesCounter            metric.Int64Counter
	deploysCounter          metric.Int64Counter
	documentRecoveryCounter metric.Int64Counter
}

// NewSessionMetrics creates a new session metrics collector
func NewSessionMetrics() (*SessionMetrics, error) {
	sessionsActiveGauge, err := meter.Int64UpDownCounter(
		"contract_studio.sessions.active",
		metric.WithDescription("Number of open studio sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	chatTurnsCounter, err := meter.Int64Counter(
		"contract_studio.chat.turns",
		metric.WithDescription("Total number of chat turns by outcome"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	chatTurnDuration, err := meter.Float64Histogram(
		"contract_studio.chat.turn.duration",
		metric.WithDescription("Duration of chat turns in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	codeGenerationsCounter, err := meter.Int64Counter(
		"contract_studio.code.generations",
		metric.WithDescription("Total number of code generations by outcome, including stale discards"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, err
	}

	codeGenerationDuration, err := meter.Float64Histogram(
		"contract_studio.code.generation.duration",
		metric.WithDescription("Duration of code generations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	savesCounter, err := meter.Int64Counter(
		"contract_studio.conversation.saves",
		metric.WithDescription("Total number of conversation saves by outcome"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	deploysCounter, err := meter.Int64Counter(
		"contract_studio.deploys",
		metric.WithDescription("Total number of simulated deployments by outcome"),
		metric.WithUnit("{deploy}"),
	)
	if err != nil {
		return nil, err
	}

	documentRecoveryCounter, err := meter.Int64Counter(
		"contract_studio.document.recoveries",
		metric.WithDescription("Documents recovered from chat history"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		sessionsActiveGauge:     sessionsActiveGauge,
		chatTurnsCounter:        chatTurnsCounter,
		chatTurnDuration:        chatTurnDuration,
		codeGenerationsCounter:  codeGenerationsCounter,
		codeGenerationDuration:  codeGenerationDuration,
		savesCounter:            savesCounter,
		deploysCounter:          deploysCounter,
		documentRecoveryCounter: documentRecoveryCounter,
	}, nil
}

// RecordSessionOpened records a new session
func (sm *SessionMetrics) RecordSessionOpened(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.sessionsActiveGauge.Add(ctx, 1)
}

// RecordSessionClosed records a closed session
func (sm *SessionMetrics) RecordSessionClosed(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.sessionsActiveGauge.Add(ctx, -1)
}

// RecordChatTurn records a finished chat turn
func (sm *SessionMetrics) RecordChatTurn(ctx context.Context, outcome string, duration time.Duration) {
	if sm == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	sm.chatTurnsCounter.Add(ctx, 1, attrs)
	sm.chatTurnDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCodeGeneration records a finished code generation. Stale results are
// counted even though they are discarded.
func (sm *SessionMetrics) RecordCodeGeneration(ctx context.Context, outcome string, duration time.Duration) {
	if sm == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	sm.codeGenerationsCounter.Add(ctx, 1, attrs)
	sm.codeGenerationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSave records a conversation save attempt
func (sm *SessionMetrics) RecordSave(ctx context.Context, outcome string) {
	if sm == nil {
		return
	}
	sm.savesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDeploy records a simulated deployment
func (sm *SessionMetrics) RecordDeploy(ctx context.Context, outcome string) {
	if sm == nil {
		return
	}
	sm.deploysCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDocumentRecovered records a document adopted from chat history
func (sm *SessionMetrics) RecordDocumentRecovered(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.documentRecoveryCounter.Add(ctx, 1)
}
