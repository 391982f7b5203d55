package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ibvsock/internal/rdma"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

// ErrEchoSequence reports an echo for a probe that was never sent.
var ErrEchoSequence = errors.New("echo out of sequence")

// RDMADialer connects targets over the RDMA stream transport.
type RDMADialer struct {
	rdma.Dialer
}

// Dial implements Dialer.
func (d *RDMADialer) Dial(ctx context.Context, target string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := d.Dialer.Dial(target)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Prober sends sequence-numbered payloads to echo peers and measures the
// round trip.
type Prober struct {
	dialer   Dialer
	recorder Recorder
	opts     Options
}

// NewProber creates a prober. recorder may be nil.
func NewProber(dialer Dialer, recorder Recorder, opts Options) *Prober {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.PayloadSize < headerSize {
		opts.PayloadSize = headerSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Prober{dialer: dialer, recorder: recorder, opts: opts}
}

// Run probes every target concurrently. The first target that fails
// cancels the others; results of targets that finished stay filled in.
func (p *Prober) Run(ctx context.Context, targets []string) ([]*Result, error) {
	results := make([]*Result, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			res, err := p.ProbeTarget(ctx, target)
			results[i] = res
			if err != nil {
				return fmt.Errorf("probe %s: %w", target, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// ProbeTarget connects to target and sends opts.Count paced probes.
// Timeouts are counted, not returned; a broken connection ends the run.
func (p *Prober) ProbeTarget(ctx context.Context, target string) (*Result, error) {
	res := &Result{Target: target}
	attrs := attribute.String("target", target)

	conn, err := p.dialer.Dial(ctx, target)
	if err != nil {
		p.recordFailure(ctx, attrs)
		return res, err
	}
	defer conn.Close()

	if r, ok := conn.(interface{ StaleRetries() int }); ok {
		res.StaleRetries = r.StaleRetries()
	}

	logger := log.With().Str("target", target).Logger()
	limiter := ratelimit.New(1, ratelimit.Per(p.opts.Interval), ratelimit.WithoutSlack)

	payload := make([]byte, p.opts.PayloadSize)
	for i := range payload[headerSize:] {
		payload[headerSize+i] = byte(i)
	}
	reader := &echoReader{conn: conn, frame: make([]byte, p.opts.PayloadSize)}

	for seq := uint64(1); seq <= uint64(p.opts.Count); seq++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		limiter.Take()

		binary.BigEndian.PutUint64(payload, seq)
		start := time.Now()
		if err := conn.SetWriteDeadline(start.Add(p.opts.Timeout)); err != nil {
			return res, err
		}
		if _, err := conn.Write(payload); err != nil {
			p.recordFailure(ctx, attrs)
			return res, fmt.Errorf("send probe %d: %w", seq, err)
		}
		res.Sent++

		rtt, err := p.awaitEcho(reader, seq, start)
		switch {
		case err == nil:
			res.observe(rtt)
			if p.recorder != nil {
				p.recorder.RecordRTT(ctx, rtt, metric.WithAttributes(attrs))
			}
			logger.Debug().Uint64("seq", seq).Dur("rtt", rtt).Msg("Probe echoed")
		case errors.Is(err, os.ErrDeadlineExceeded):
			res.Timeouts++
			if p.recorder != nil {
				p.recorder.RecordTimeout(ctx, metric.WithAttributes(attrs))
			}
			logger.Warn().Uint64("seq", seq).Dur("timeout", p.opts.Timeout).Msg("Probe timed out")
		default:
			p.recordFailure(ctx, attrs)
			return res, fmt.Errorf("receive probe %d: %w", seq, err)
		}
	}
	return res, nil
}

// echoReader reassembles fixed-size echo frames. A frame cut short by a
// read deadline is completed by the next read, keeping the stream aligned.
type echoReader struct {
	conn   Conn
	frame  []byte
	filled int
}

func (r *echoReader) next() (uint64, error) {
	for r.filled < len(r.frame) {
		n, err := r.conn.Read(r.frame[r.filled:])
		r.filled += n
		if err != nil && r.filled < len(r.frame) {
			return 0, err
		}
	}
	r.filled = 0
	return binary.BigEndian.Uint64(r.frame), nil
}

// awaitEcho reads echoes until the one for seq arrives. Echoes of earlier
// probes that timed out are discarded.
func (p *Prober) awaitEcho(r *echoReader, seq uint64, start time.Time) (time.Duration, error) {
	if err := r.conn.SetReadDeadline(start.Add(p.opts.Timeout)); err != nil {
		return 0, err
	}
	for {
		got, err := r.next()
		if err != nil {
			return 0, err
		}
		if got == seq {
			return time.Since(start), nil
		}
		if got > seq {
			return 0, fmt.Errorf("%w: got %d while waiting for %d", ErrEchoSequence, got, seq)
		}
	}
}

func (p *Prober) recordFailure(ctx context.Context, attrs attribute.KeyValue) {
	if p.recorder != nil {
		p.recorder.RecordFailure(ctx, metric.WithAttributes(attrs))
	}
}
