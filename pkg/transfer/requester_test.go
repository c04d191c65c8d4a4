package transfer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/predictable-edge/5G-measurement/pkg/transfer"
	"github.com/predictable-edge/5G-measurement/pkg/wire"
	"github.com/stretchr/testify/require"
)

// startResponder runs a real transfer responder on loopback.
func startResponder(t *testing.T, maxSegmentPayload uint32) *net.UDPAddr {
	t.Helper()

	responder, err := transfer.NewResponder(log.With("test", t.Name()), transfer.ResponderConfig{
		ListenAddr:        "127.0.0.1:0",
		MaxSegmentPayload: maxSegmentPayload,
	})
	require.NoError(t, err)
	t.Cleanup(func() { responder.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = responder.Run(ctx) }()

	return responder.LocalAddr()
}

// startFakeResponder runs a scripted UDP peer: it acks every control message
// and calls serve with the 1-based trigger count for each trigger.
func startFakeResponder(t *testing.T, serve func(trigger int, conn *net.UDPConn, client *net.UDPAddr)) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		triggers := 0
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := buf[:n]
			switch {
			case wire.IsTrigger(payload):
				triggers++
				serve(triggers, conn, addr)
			case n == wire.ControlSize && payload[0] == wire.MsgTypeControl:
				_, _ = conn.WriteToUDP(wire.ControlAck(), addr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func newRequester(t *testing.T, remote *net.UDPAddr, requests int, responseSize uint32) *transfer.Requester {
	t.Helper()
	return newRequesterWithHooks(t, remote, requests, responseSize, nil)
}

func newRequesterWithHooks(t *testing.T, remote *net.UDPAddr, requests int, responseSize uint32, onHeader func(wire.Header, time.Time)) *transfer.Requester {
	t.Helper()

	r, err := transfer.NewRequester(log.With("test", t.Name()), transfer.RequesterConfig{
		RemoteAddr:     remote,
		Requests:       requests,
		ResponseSize:   responseSize,
		Interval:       10 * time.Millisecond,
		AttemptTimeout: 250 * time.Millisecond,
		SetupTimeout:   time.Second,
		DrainWindow:    50 * time.Millisecond,
		OnHeader:       onHeader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func sendHeader(t *testing.T, conn *net.UDPConn, client *net.UDPAddr, h wire.Header) {
	t.Helper()
	buf, err := h.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.WriteToUDP(buf, client)
	require.NoError(t, err)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func TestTransfer_Requester_EndToEnd(t *testing.T) {
	t.Parallel()

	t.Run("single segment run completes", func(t *testing.T) {
		t.Parallel()

		addr := startResponder(t, 1300)

		headers := 0
		r := newRequesterWithHooks(t, addr, 3, 1300, func(h wire.Header, receivedAt time.Time) {
			headers++
			require.False(t, receivedAt.IsZero())
		})

		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 3, result.Attempted)
		require.Equal(t, 3, result.Completed)
		require.Equal(t, 3, headers)

		for i, a := range result.Attempts {
			require.Equal(t, transfer.StateComplete, a.State)
			require.Equal(t, uint32(i+1), a.RequestID)
			require.Equal(t, uint32(1300), a.DeclaredSize)
			require.Equal(t, uint32(1), a.TotalSegments)
			require.Equal(t, uint32(1300), a.BytesReceived)
			require.Greater(t, a.OriginTimestamp, float64(0))
			require.False(t, a.HeaderReceivedAt.IsZero())
			require.False(t, a.LastSegmentAt.Before(a.HeaderReceivedAt))
		}
	})

	t.Run("multi segment payload reassembles", func(t *testing.T) {
		t.Parallel()

		addr := startResponder(t, 1300)
		r := newRequester(t, addr, 1, 4096)

		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Completed)

		a := result.Attempts[0]
		require.Equal(t, transfer.StateComplete, a.State)
		require.Equal(t, uint32(4), a.TotalSegments)
		require.Equal(t, uint32(4), a.SegmentsReceived)
		require.Equal(t, uint32(4096), a.BytesReceived)
	})

	t.Run("zero payload completes on header alone", func(t *testing.T) {
		t.Parallel()

		addr := startResponder(t, 1300)
		r := newRequester(t, addr, 2, 0)

		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, result.Completed)

		for _, a := range result.Attempts {
			require.Equal(t, transfer.StateComplete, a.State)
			require.Equal(t, uint32(0), a.TotalSegments)
			require.Equal(t, uint32(0), a.BytesReceived)
			require.True(t, a.FirstSegmentAt.IsZero())
		}
	})
}

func TestTransfer_Requester_Setup(t *testing.T) {
	t.Parallel()

	t.Run("no responder fails the run setup", func(t *testing.T) {
		t.Parallel()

		// Bind and close so nothing answers on the port.
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		addr := conn.LocalAddr().(*net.UDPAddr)
		require.NoError(t, conn.Close())

		r, err := transfer.NewRequester(log.With("test", t.Name()), transfer.RequesterConfig{
			RemoteAddr:   addr,
			Requests:     1,
			SetupTimeout: 200 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })

		_, err = r.Run(context.Background())
		require.ErrorIs(t, err, transfer.ErrRunSetup)
	})

	t.Run("ERR reply fails the run setup", func(t *testing.T) {
		t.Parallel()

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		go func() {
			buf := make([]byte, 64)
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(wire.ErrReply, addr)
		}()

		r := newRequester(t, conn.LocalAddr().(*net.UDPAddr), 1, 100)
		_, err = r.Run(context.Background())
		require.ErrorIs(t, err, transfer.ErrRunSetup)
	})
}

func TestTransfer_Requester_Classification(t *testing.T) {
	t.Parallel()

	t.Run("lost segment times out and the next request is unaffected", func(t *testing.T) {
		t.Parallel()

		addr := startFakeResponder(t, func(trigger int, conn *net.UDPConn, client *net.UDPAddr) {
			h := wire.Header{RequestID: uint32(trigger), Timestamp: nowSeconds(), Size: 1300, TotalSegments: 1}
			sendHeader(t, conn, client, h)
			if trigger == 1 {
				return // drop the only segment
			}
			_, _ = conn.WriteToUDP(wire.EncodeSegment(h.RequestID, make([]byte, 1300)), client)
		})

		r := newRequester(t, addr, 2, 1300)
		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, result.Attempted)
		require.Equal(t, 1, result.Completed)
		require.Equal(t, transfer.StateTimeout, result.Attempts[0].State)
		require.Equal(t, transfer.StateComplete, result.Attempts[1].State)
		require.Equal(t, uint32(2), result.Attempts[1].RequestID)
	})

	t.Run("foreign request id never contributes bytes", func(t *testing.T) {
		t.Parallel()

		addr := startFakeResponder(t, func(trigger int, conn *net.UDPConn, client *net.UDPAddr) {
			h := wire.Header{RequestID: 1, Timestamp: nowSeconds(), Size: 1300, TotalSegments: 1}
			sendHeader(t, conn, client, h)
			// A stray segment from some other request arrives first.
			_, _ = conn.WriteToUDP(wire.EncodeSegment(99, make([]byte, 700)), client)
			_, _ = conn.WriteToUDP(wire.EncodeSegment(1, make([]byte, 1300)), client)
		})

		r := newRequester(t, addr, 1, 1300)
		result, err := r.Run(context.Background())
		require.NoError(t, err)

		a := result.Attempts[0]
		require.Equal(t, transfer.StateComplete, a.State)
		require.Equal(t, uint32(1), a.SegmentsReceived)
		require.Equal(t, uint32(1300), a.BytesReceived)
	})

	t.Run("short payload classifies as size mismatch", func(t *testing.T) {
		t.Parallel()

		addr := startFakeResponder(t, func(trigger int, conn *net.UDPConn, client *net.UDPAddr) {
			h := wire.Header{RequestID: uint32(trigger), Timestamp: nowSeconds(), Size: 1300, TotalSegments: 1}
			sendHeader(t, conn, client, h)
			_, _ = conn.WriteToUDP(wire.EncodeSegment(h.RequestID, make([]byte, 1000)), client)
		})

		r := newRequester(t, addr, 1, 1300)
		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, transfer.StateSizeMismatch, result.Attempts[0].State)
		require.Equal(t, uint32(1000), result.Attempts[0].BytesReceived)
		require.Equal(t, 0, result.Completed)
	})

	t.Run("zero timestamp sentinel skips but counts the attempt", func(t *testing.T) {
		t.Parallel()

		headerCalls := 0
		addr := startFakeResponder(t, func(trigger int, conn *net.UDPConn, client *net.UDPAddr) {
			if trigger == 1 {
				sendHeader(t, conn, client, wire.Header{RequestID: 1, Timestamp: 0, Size: 1300, TotalSegments: 1})
				return
			}
			h := wire.Header{RequestID: uint32(trigger), Timestamp: nowSeconds(), Size: 1300, TotalSegments: 1}
			sendHeader(t, conn, client, h)
			_, _ = conn.WriteToUDP(wire.EncodeSegment(h.RequestID, make([]byte, 1300)), client)
		})

		r := newRequesterWithHooks(t, addr, 2, 1300, func(wire.Header, time.Time) { headerCalls++ })
		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, result.Attempted)
		require.Equal(t, 1, result.Completed)
		require.Equal(t, transfer.StateSkipped, result.Attempts[0].State)
		require.Equal(t, transfer.StateComplete, result.Attempts[1].State)
		// The offset snapshot hook must not fire for skipped requests.
		require.Equal(t, 1, headerCalls)
	})

	t.Run("late segment from a failed request does not corrupt the next", func(t *testing.T) {
		t.Parallel()

		addr := startFakeResponder(t, func(trigger int, conn *net.UDPConn, client *net.UDPAddr) {
			switch trigger {
			case 1:
				// Declare two segments, deliver one: reception stalls,
				// then the second lands during the drain window.
				h := wire.Header{RequestID: 1, Timestamp: nowSeconds(), Size: 2600, TotalSegments: 2}
				sendHeader(t, conn, client, h)
				_, _ = conn.WriteToUDP(wire.EncodeSegment(1, make([]byte, 1300)), client)
				go func() {
					time.Sleep(280 * time.Millisecond)
					_, _ = conn.WriteToUDP(wire.EncodeSegment(1, make([]byte, 1300)), client)
				}()
			case 2:
				h := wire.Header{RequestID: 2, Timestamp: nowSeconds(), Size: 1300, TotalSegments: 1}
				sendHeader(t, conn, client, h)
				_, _ = conn.WriteToUDP(wire.EncodeSegment(2, make([]byte, 1300)), client)
			}
		})

		r := newRequester(t, addr, 2, 2600)
		result, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, transfer.StateTimeout, result.Attempts[0].State)

		a := result.Attempts[1]
		require.Equal(t, transfer.StateComplete, a.State)
		require.Equal(t, uint32(1300), a.BytesReceived)
	})
}
