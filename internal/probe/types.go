package probe

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultTimeout bounds the wait for a single echo.
	DefaultTimeout = 5 * time.Second

	// headerSize is the sequence number prefix of every probe payload.
	headerSize = 8
)

// Conn is the part of a stream connection a prober drives.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a connection to a "host:port" target.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// Recorder receives probe measurements. telemetry.Metrics implements it.
type Recorder interface {
	RecordRTT(ctx context.Context, rtt time.Duration, attributes ...metric.RecordOption)
	RecordTimeout(ctx context.Context, attributes ...metric.AddOption)
	RecordFailure(ctx context.Context, attributes ...metric.AddOption)
}

// Options control a probe run.
type Options struct {
	Count       int
	Interval    time.Duration
	PayloadSize int
	Timeout     time.Duration
}

// Result summarises the probes sent to one target.
type Result struct {
	Target       string
	Sent         int
	Received     int
	Timeouts     int
	StaleRetries int

	Min time.Duration
	Avg time.Duration
	Max time.Duration

	total time.Duration
}

func (r *Result) observe(rtt time.Duration) {
	if r.Received == 0 || rtt < r.Min {
		r.Min = rtt
	}
	if rtt > r.Max {
		r.Max = rtt
	}
	r.Received++
	r.total += rtt
	r.Avg = r.total / time.Duration(r.Received)
}

// Loss returns the fraction of probes that got no echo.
func (r *Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}
