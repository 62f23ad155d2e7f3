package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

const (
	PassTotal           = "reconciler.pass"
	PassSkippedResync   = "reconciler.pass_skipped_resync"
	PassFailed          = "reconciler.pass_failed"
	PassDuration        = "reconciler.pass_duration"
	PassOperations      = "reconciler.pass_operations"
	OperationApplied    = "reconciler.operation_applied"
	OperationTransient  = "reconciler.operation_transient_error"
	OperationPermanent  = "reconciler.operation_permanent_error"
	OperationSkipped    = "reconciler.operation_skipped"
	DesiredServices     = "desired.services"
	DesiredBackends     = "desired.backends"
	RegistryEvents      = "registry.events"
	RegistryResyncs     = "registry.resyncs"
	RegistryMalformed   = "registry.malformed_records"
	RegistryReconnects  = "registry.reconnects"
	InvariantViolations = "desired.invariant_violations"
	HealthTransitions   = "health.transitions"
	HealthDeadBackends  = "health.dead_backends"
	ProbeExecuted       = "healthcheck.probe"
	GossipReceived      = "gossip.received"
	GossipBroadcast     = "gossip.broadcast"
	SourceReports       = "healthsource.reports"
	SourceErrors        = "healthsource.errors"
	VIPSyncFailed       = "vip.sync_failed"
)

type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}
