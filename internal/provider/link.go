// Package provider maintains the framed msgpack socket to the execution
// provider: a send loop draining a bounded queue and a receive loop that
// canonicalizes execution reports onto the confirmation queue.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/retry"
	"fxcore/pkg/telemetry"
)

const (
	sendQueueSize           = 1000
	defaultConnectTimeout   = 10 * time.Second
	defaultSendWait         = 5 * time.Second
	defaultInitialReconnect = 1 * time.Second
	defaultMaxReconnect     = 30 * time.Second
)

// outbound wraps a payload on the send queue. requeued marks payloads that
// already survived one failed write; they are not requeued again.
type outbound struct {
	payload  model.ProviderOrder
	requeued bool
}

// Link is the persistent provider connection. A domain socket is preferred;
// TCP is the fallback. Both loops exit on error and the runner redials with
// exponential backoff.
type Link struct {
	cfg          config.ProviderConfig
	confirmQueue string
	publisher    core.IQueuePublisher
	logger       core.ILogger

	sendq   chan outbound
	limiter *rate.Limiter
	backoff *retry.Backoff

	mu        sync.Mutex
	conn      net.Conn
	ready     chan struct{}
	connected atomic.Bool

	wmu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames metric.Int64Counter
}

func NewLink(cfg config.ProviderConfig, confirmQueue string, publisher core.IQueuePublisher, logger core.ILogger) *Link {
	ctx, cancel := context.WithCancel(context.Background())

	limit := rate.Inf
	burst := 1
	if cfg.SendRatePerSec > 0 {
		limit = rate.Limit(cfg.SendRatePerSec)
		burst = cfg.SendRatePerSec
	}

	meter := telemetry.GetMeter("provider")
	frames, _ := meter.Int64Counter("provider_frames_total",
		metric.WithDescription("Frames exchanged with the execution provider"))

	return &Link{
		cfg:          cfg,
		confirmQueue: confirmQueue,
		publisher:    publisher,
		logger:       logger.WithField("component", "provider_link"),
		sendq:        make(chan outbound, sendQueueSize),
		limiter:      rate.NewLimiter(limit, burst),
		backoff:      retry.NewBackoff(defaultInitialReconnect, defaultMaxReconnect),
		ready:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		frames:       frames,
	}
}

// Start launches the connection runner.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop tears the connection down and waits for the loops to exit.
func (l *Link) Stop() {
	l.cancel()
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Connected reports whether the persistent socket is currently up.
func (l *Link) Connected() bool { return l.connected.Load() }

// SendOrder enqueues a payload for the send loop, waiting up to the
// configured window for the connection to come up. It never opens a
// transient socket of its own.
func (l *Link) SendOrder(ctx context.Context, p model.ProviderOrder) error {
	timer := time.NewTimer(l.sendWait())
	defer timer.Stop()

	for !l.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("send window expired: %w", apperrors.ErrProviderUnreachable)
		case <-l.readyCh():
		}
	}

	select {
	case l.sendq <- outbound{payload: p}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("send queue full: %w", apperrors.ErrProviderSendTimeout)
	}
}

func (l *Link) sendWait() time.Duration {
	if l.cfg.SendWaitSec <= 0 {
		return defaultSendWait
	}
	return time.Duration(l.cfg.SendWaitSec) * time.Second
}

func (l *Link) connectTimeout() time.Duration {
	if l.cfg.ConnectTimeoutSec <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(l.cfg.ConnectTimeoutSec) * time.Second
}

func (l *Link) readyCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *Link) markConnected(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	close(l.ready)
	l.mu.Unlock()
	l.connected.Store(true)
	telemetry.GetGlobalMetrics().SetProviderConnected("execution", true)
}

func (l *Link) markDisconnected() {
	l.mu.Lock()
	l.conn = nil
	l.ready = make(chan struct{})
	l.mu.Unlock()
	l.connected.Store(false)
	telemetry.GetGlobalMetrics().SetProviderConnected("execution", false)
}

func (l *Link) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		conn, err := dial(l.ctx, l.cfg, l.connectTimeout(), l.logger)
		if err != nil {
			wait := l.backoff.Next()
			l.logger.Error("Provider dial failed", "error", err, "retry_in", wait.String())
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		l.backoff.Reset()
		l.markConnected(conn)
		l.logger.Info("Provider connected", "addr", conn.RemoteAddr().String())

		sessionCtx, cancelSession := context.WithCancel(l.ctx)
		var session sync.WaitGroup
		session.Add(2)
		go func() {
			defer session.Done()
			defer cancelSession()
			l.sendLoop(sessionCtx, conn)
		}()
		go func() {
			defer session.Done()
			defer cancelSession()
			l.recvLoop(sessionCtx, conn)
		}()
		// Unblock the reader when either loop dies.
		go func() {
			<-sessionCtx.Done()
			conn.Close()
		}()
		session.Wait()
		cancelSession()
		l.markDisconnected()

		if l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("Provider disconnected; reconnecting")
	}
}

// sendLoop drains the queue onto the socket. A failed write requeues the
// payload once and ends the session.
func (l *Link) sendLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-l.sendq:
			if err := l.limiter.Wait(ctx); err != nil {
				l.requeue(o)
				return
			}
			if err := l.writeOrder(conn, o.payload); err != nil {
				l.logger.Error("Provider send failed",
					"order_id", o.payload.OrderID, "status", o.payload.Status, "error", err)
				l.requeue(o)
				return
			}
			l.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "out")))
		}
	}
}

func (l *Link) writeOrder(conn net.Conn, p model.ProviderOrder) error {
	body, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("msgpack encode: %w", err)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return WriteFrame(conn, body)
}

func (l *Link) requeue(o outbound) {
	if o.requeued {
		l.logger.Error("Dropping payload after second failed send",
			"order_id", o.payload.OrderID, "status", o.payload.Status)
		return
	}
	o.requeued = true
	select {
	case l.sendq <- o:
	default:
		l.logger.Error("Send queue full; payload dropped",
			"order_id", o.payload.OrderID, "status", o.payload.Status)
	}
}

// recvLoop reads frames until the connection dies. Every recognizable
// execution report lands on the confirmation queue.
func (l *Link) recvLoop(ctx context.Context, conn net.Conn) {
	for {
		body, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Provider read failed", "error", err)
			}
			return
		}
		l.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "in")))
		l.handleBody(ctx, body)
	}
}

func (l *Link) handleBody(ctx context.Context, body []byte) {
	m, err := decodeBody(body)
	if err != nil {
		l.logger.Warn("Dropping undecodable provider frame", "error", err)
		return
	}
	report, err := model.ReportFromMap(m)
	if err != nil {
		l.logger.Debug("Ignoring non-report provider frame", "reason", err.Error())
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		l.logger.Error("Report encode failed", "order_id", report.OrderID, "error", err)
		return
	}
	if err := l.publisher.Publish(ctx, l.confirmQueue, payload); err != nil {
		l.logger.Error("Confirmation publish failed",
			"order_id", report.OrderID, "exec_id", report.ExecID, "error", err)
		return
	}
	l.logger.Debug("Execution report queued",
		"order_id", report.OrderID, "ord_status", string(report.OrdStatus))
}

// dial prefers the domain socket and falls back to TCP.
func dial(ctx context.Context, cfg config.ProviderConfig, timeout time.Duration, logger core.ILogger) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	if cfg.UDSPath != "" {
		conn, err := d.DialContext(ctx, "unix", cfg.UDSPath)
		if err == nil {
			return conn, nil
		}
		logger.Warn("Domain socket dial failed; trying TCP", "path", cfg.UDSPath, "error", err)
	}
	if cfg.TCPHost == "" {
		return nil, fmt.Errorf("no reachable provider endpoint configured")
	}
	addr := net.JoinHostPort(cfg.TCPHost, strconv.Itoa(cfg.TCPPort))
	return d.DialContext(ctx, "tcp", addr)
}

// DialOnce opens a transient connection, writes a single payload, and
// closes it. Bootstrap checks only; production traffic goes through the
// persistent link.
func DialOnce(ctx context.Context, cfg config.ProviderConfig, p model.ProviderOrder, logger core.ILogger) error {
	timeout := defaultConnectTimeout
	if cfg.ConnectTimeoutSec > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	}
	conn, err := dial(ctx, cfg, timeout, logger)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrProviderUnreachable, err.Error())
	}
	defer conn.Close()

	body, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("msgpack encode: %w", err)
	}
	if err := WriteFrame(conn, body); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrProviderSendFailed, err.Error())
	}
	return nil
}
