package metrics

import "time"

// Metric names emitted by the relayer.
const (
	VerifySucceeded     = "verify_succeeded"
	VerifyRejected      = "verify_rejected"
	TokenIssued         = "token_issued"
	DispatchDelivered   = "dispatch_delivered"
	DispatchRejected    = "dispatch_rejected"
	GatewayFailed       = "gateway_failed"
	ConsumptionRecorded = "consumption_recorded"
	ConsumptionRetried  = "consumption_retried"
	ConsumptionFailed   = "consumption_failed"
	PaymentsObserved    = "payments_observed"
	LatencyVerify       = "verify"
	LatencyDispatch     = "dispatch"
	LatencyGateway      = "gateway"
	LatencyConsumption  = "consumption"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
