package rdma

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/yuuki/ibvsock/rdma"

// transportMetrics holds the socket instruments, created from the global
// meter provider when the socket is constructed.
type transportMetrics struct {
	connectAttempts  metric.Int64Counter
	staleRetries     metric.Int64Counter
	connectFailures  metric.Int64Counter
	bytesSent        metric.Int64Counter
	bytesReceived    metric.Int64Counter
	sendWorkRequests metric.Int64Counter
	flowControlMsgs  metric.Int64Counter
	completionErrors metric.Int64Counter
	livenessChecks   metric.Int64Counter
	timeouts         metric.Int64Counter
}

func globalMetrics() *transportMetrics {
	return newTransportMetrics(otel.Meter(meterName))
}

func newTransportMetrics(meter metric.Meter) *transportMetrics {
	m := &transportMetrics{}
	// Instrument creation only fails on invalid names; the noop fallbacks
	// keep the socket usable regardless.
	m.connectAttempts, _ = meter.Int64Counter("ibvsock.connect.attempts",
		metric.WithDescription("Connection attempts, including stale retries"),
		metric.WithUnit("{attempt}"))
	m.staleRetries, _ = meter.Int64Counter("ibvsock.connect.stale_retries",
		metric.WithDescription("Connect attempts rejected as stale and retried"),
		metric.WithUnit("{retry}"))
	m.connectFailures, _ = meter.Int64Counter("ibvsock.connect.failures",
		metric.WithDescription("Failed connects"),
		metric.WithUnit("{count}"))
	m.bytesSent, _ = meter.Int64Counter("ibvsock.bytes.sent",
		metric.WithDescription("Payload bytes posted for sending"),
		metric.WithUnit("By"))
	m.bytesReceived, _ = meter.Int64Counter("ibvsock.bytes.received",
		metric.WithDescription("Payload bytes handed to receivers"),
		metric.WithUnit("By"))
	m.sendWorkRequests, _ = meter.Int64Counter("ibvsock.send.work_requests",
		metric.WithDescription("Send work requests posted"),
		metric.WithUnit("{request}"))
	m.flowControlMsgs, _ = meter.Int64Counter("ibvsock.flow_control.messages",
		metric.WithDescription("Flow-control messages by direction"),
		metric.WithUnit("{message}"))
	m.completionErrors, _ = meter.Int64Counter("ibvsock.completion.errors",
		metric.WithDescription("Work completions with error status or unexpected tags"),
		metric.WithUnit("{count}"))
	m.livenessChecks, _ = meter.Int64Counter("ibvsock.liveness.checks",
		metric.WithDescription("RDMA read liveness checks by result"),
		metric.WithUnit("{check}"))
	m.timeouts, _ = meter.Int64Counter("ibvsock.timeouts",
		metric.WithDescription("Operations that ran into their timeout"),
		metric.WithUnit("{count}"))
	return m
}

var (
	attrDirSent     = metric.WithAttributes(attribute.String("direction", "sent"))
	attrDirReceived = metric.WithAttributes(attribute.String("direction", "received"))
	attrResultOK    = metric.WithAttributes(attribute.String("result", "ok"))
	attrResultFail  = metric.WithAttributes(attribute.String("result", "failed"))
)

func opAttr(op string) metric.AddOption {
	return metric.WithAttributes(attribute.String("op", op))
}

func (m *transportMetrics) add(c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c == nil {
		return
	}
	c.Add(context.Background(), n, opts...)
}
