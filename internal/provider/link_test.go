package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"fxcore/internal/config"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/logging"
)

const confirmQueue = "confirmation_queue"

func newTestLink(cfg config.ProviderConfig, publisher *mock.MockQueuePublisher) *Link {
	return NewLink(cfg, confirmQueue, publisher, logging.NewNop())
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello frames")
	require.NoError(t, WriteFrame(&buf, body))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Empty bodies are legal.
	buf.Reset()
	require.NoError(t, WriteFrame(&buf, nil))
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameBytes+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSendLoopWritesFramedPayloads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := newTestLink(config.ProviderConfig{SendRatePerSec: 1000}, mock.NewMockQueuePublisher())
	l.markConnected(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.sendLoop(ctx, client)

	p := model.NewProviderOrder(model.StatusOpen)
	p.OrderID = "ord-1"
	p.Symbol = "EURUSD"
	p.OrderPrice = 1.10003
	require.NoError(t, l.SendOrder(ctx, p))

	body, err := ReadFrame(server)
	require.NoError(t, err)
	var got model.ProviderOrder
	require.NoError(t, msgpack.Unmarshal(body, &got))
	assert.Equal(t, "order", got.Type)
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, string(model.StatusOpen), got.Status)
	assert.InDelta(t, 1.10003, got.OrderPrice, 1e-9)
	assert.NotZero(t, got.Ts)
}

func TestRecvLoopPublishesCanonicalReports(t *testing.T) {
	client, server := net.Pipe()
	publisher := mock.NewMockQueuePublisher()
	l := newTestLink(config.ProviderConfig{}, publisher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		// A pre-shaped execution report, then a FIX-style map, then noise.
		for _, frame := range []map[string]any{
			{
				"type":       model.ReportType,
				"order_id":   "ord-1",
				"exec_id":    "x-1",
				"ord_status": "EXECUTED",
				"avgpx":      1.09501,
				"cumqty":     0.1,
				"ts":         int64(1712000000123),
			},
			{"35": "8", "11": "ord-2", "17": "x-2", "39": "4"},
			{"type": "heartbeat"},
		} {
			body, err := msgpack.Marshal(frame)
			if err != nil {
				t.Error(err)
				return
			}
			if err := WriteFrame(server, body); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Runs until the peer closes; every body has been handled on return.
	l.recvLoop(context.Background(), client)
	<-done

	bodies := publisher.Bodies(confirmQueue)
	require.Len(t, bodies, 2, "heartbeat must not be published")

	var first model.ExecutionReport
	require.NoError(t, json.Unmarshal(bodies[0], &first))
	assert.Equal(t, model.ReportType, first.Type)
	assert.Equal(t, "ord-1", first.OrderID)
	assert.Equal(t, model.OrdExecuted, first.OrdStatus)
	assert.Equal(t, "1.09501", first.AvgPx.String())
	assert.Equal(t, int64(1712000000123), first.Ts)

	var second model.ExecutionReport
	require.NoError(t, json.Unmarshal(bodies[1], &second))
	assert.Equal(t, "ord-2", second.OrderID)
	assert.Equal(t, "x-2", second.ExecID)
	assert.Equal(t, model.OrdCancelled, second.OrdStatus)
}

func TestSendOrderUnreachableWithoutConnection(t *testing.T) {
	l := newTestLink(config.ProviderConfig{SendWaitSec: 1}, mock.NewMockQueuePublisher())

	err := l.SendOrder(context.Background(), model.NewProviderOrder(model.StatusOpen))
	assert.ErrorIs(t, err, apperrors.ErrProviderUnreachable)
}

func TestRequeueHappensExactlyOnce(t *testing.T) {
	l := newTestLink(config.ProviderConfig{}, mock.NewMockQueuePublisher())

	p := model.NewProviderOrder(model.StatusClosed)
	p.OrderID = "ord-9"

	l.requeue(outbound{payload: p})
	select {
	case o := <-l.sendq:
		assert.True(t, o.requeued)
		// A second failure drops it.
		l.requeue(o)
	default:
		t.Fatal("payload was not requeued")
	}
	select {
	case <-l.sendq:
		t.Fatal("payload requeued twice")
	default:
	}
}

func TestDialOncePrefersDomainSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "exec.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan model.ProviderOrder, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		body, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var p model.ProviderOrder
		if msgpack.Unmarshal(body, &p) == nil {
			got <- p
		}
	}()

	p := model.NewProviderOrder(model.StatusPending)
	p.OrderID = "boot-1"
	cfg := config.ProviderConfig{UDSPath: sock, ConnectTimeoutSec: 2}
	require.NoError(t, DialOnce(context.Background(), cfg, p, logging.NewNop()))

	select {
	case received := <-got:
		assert.Equal(t, "boot-1", received.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received over the domain socket")
	}
}

func TestDialFallsBackToTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- struct{}{}
		io.Copy(io.Discard, conn)
		conn.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	cfg := config.ProviderConfig{
		UDSPath:           filepath.Join(t.TempDir(), "absent.sock"),
		TCPHost:           "127.0.0.1",
		TCPPort:           port,
		ConnectTimeoutSec: 2,
	}

	conn, err := dial(context.Background(), cfg, 2*time.Second, logging.NewNop())
	require.NoError(t, err)
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("TCP fallback never reached the listener")
	}
}

func TestLinkEndToEndOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	publisher := mock.NewMockQueuePublisher()
	port := ln.Addr().(*net.TCPAddr).Port
	l := newTestLink(config.ProviderConfig{
		TCPHost:           "127.0.0.1",
		TCPPort:           port,
		ConnectTimeoutSec: 2,
		SendWaitSec:       2,
		SendRatePerSec:    1000,
	}, publisher)

	l.Start()
	defer l.Stop()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	// Outbound: a queued payload reaches the socket.
	p := model.NewProviderOrder(model.StatusOpen)
	p.OrderID = "ord-e2e"
	require.NoError(t, l.SendOrder(context.Background(), p))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	body, err := ReadFrame(conn)
	require.NoError(t, err)
	var sent model.ProviderOrder
	require.NoError(t, msgpack.Unmarshal(body, &sent))
	assert.Equal(t, "ord-e2e", sent.OrderID)
	assert.True(t, l.Connected())

	// Inbound: a report lands on the confirmation queue.
	report, _ := msgpack.Marshal(map[string]any{
		"type":       model.ReportType,
		"order_id":   "ord-e2e",
		"exec_id":    "x-7",
		"ord_status": "EXECUTED",
	})
	require.NoError(t, WriteFrame(conn, report))

	require.Eventually(t, func() bool {
		return publisher.Count(confirmQueue) == 1
	}, 2*time.Second, 10*time.Millisecond, "report never published")
}
