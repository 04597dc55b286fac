package receiver

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dmnsafonov/ping6-tools/internal/rawsock"
	"github.com/dmnsafonov/ping6-tools/internal/sender"
	"github.com/dmnsafonov/ping6-tools/internal/wire"
)

var (
	clientAddr = net.ParseIP("fe80::1")
	serverAddr = net.ParseIP("fe80::2")
)

// TestRunReassemblesStreamFromRealSender wires a receiver.Machine against
// a real sender.Machine over a pair of linked fakes, so the whole
// handshake/data/teardown exchange runs both sides genuinely.
func TestRunReassemblesStreamFromRealSender(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var clientConn, serverConn *rawsock.Fake
	clientConn = rawsock.NewFake(clientAddr, func(buf []byte, dst net.IP) {
		serverConn.Deliver(buf, clientAddr)
	})
	serverConn = rawsock.NewFake(serverAddr, func(buf []byte, dst net.IP) {
		clientConn.Deliver(buf, serverAddr)
	})

	var out bytes.Buffer
	srv := New(Config{
		Clock:      clock,
		Conn:       serverConn,
		Bind:       serverAddr,
		MTU:        1280,
		WindowSize: 64,
		Stdout:     &out,
	})

	cli := sender.New(sender.Config{
		Clock: clock,
		Conn:  clientConn,
		Src:   clientAddr,
		Dst:   serverAddr,
		MTU:   1280,
		Stdin: bytes.NewReader([]byte("hello world")),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()

	outcome, err := cli.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, sender.DataSent, outcome)

	require.NoError(t, <-srvDone)
	require.Equal(t, "hello world", out.String())
}

// TestRunBlocksUntilContextCancelledWhenNoClientConnects verifies the
// server waits indefinitely for a first SYN rather than timing out on
// its own.
func TestRunBlocksUntilContextCancelledWhenNoClientConnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := rawsock.NewFake(serverAddr, nil)

	srv := New(Config{
		Clock: clock, Conn: conn, Bind: serverAddr, MTU: 1280, WindowSize: 64,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := srv.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRunAbandonsHandshakeAfterSynAckRetriesExhausted drives the fake
// clock through the SYN-ACK retry budget with no reply, then delivers a
// fresh SYN and confirms the server restarts the handshake rather than
// failing outright.
func TestRunAbandonsHandshakeAfterSynAckRetriesExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := rawsock.NewFake(serverAddr, nil)

	srv := New(Config{
		Clock: clock, Conn: conn, Bind: serverAddr, MTU: 1280, WindowSize: 64,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	syn := wire.EncodeClientPacket(wire.ClientPacket{Flags: wire.Syn, Seqno: 100}, clientAddr, serverAddr)
	conn.Deliver(syn, clientAddr)

	for i := 0; i < RetransmissionsNumber; i++ {
		clock.BlockUntil(1)
		clock.Advance(PacketLossTimeout)
	}

	// give the abandoned attempt's goroutine a moment to loop back to
	// waiting for a fresh syn before the second connection attempt.
	time.Sleep(20 * time.Millisecond)

	syn2 := wire.EncodeClientPacket(wire.ClientPacket{Flags: wire.Syn, Seqno: 200}, clientAddr, serverAddr)
	conn.Deliver(syn2, clientAddr)

	clock.BlockUntil(1)

	sent := conn.Sent()
	var sawSynAckFor200 bool
	for _, raw := range sent {
		pkt, err := wire.DecodeServerPacket(raw, serverAddr, nil, nil)
		if err != nil {
			continue
		}
		if pkt.Flags == wire.Syn|wire.Ack && pkt.SeqnoStart == 200 {
			sawSynAckFor200 = true
		}
	}
	require.True(t, sawSynAckFor200, "expected a syn-ack for the second connection attempt")

	cancel()
	<-done
}
