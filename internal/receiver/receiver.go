// Package receiver implements the server side of the stream transport: it
// accepts the handshake, reassembles the incoming byte stream through a
// reorder buffer and sequence tracker, and answers a client-initiated
// shutdown (C12).
package receiver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dmnsafonov/ping6-tools/internal/ackgen"
	"github.com/dmnsafonov/ping6-tools/internal/rawsock"
	"github.com/dmnsafonov/ping6-tools/internal/reorder"
	"github.com/dmnsafonov/ping6-tools/internal/retransmit"
	"github.com/dmnsafonov/ping6-tools/internal/seqtracker"
	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
	"github.com/dmnsafonov/ping6-tools/internal/timeoutstream"
	"github.com/dmnsafonov/ping6-tools/internal/wire"
)

// RetransmissionsNumber bounds handshake and teardown retries.
const RetransmissionsNumber = retransmit.RetransmissionsNumber

// PacketLossTimeout governs handshake and teardown retry deadlines.
const PacketLossTimeout = retransmit.PacketLossTimeout

// AckPeriod is how often the ack generator drains the sequence tracker.
const AckPeriod = 2500 * time.Millisecond

// IdleTimeout is how long the connection may go without a valid packet
// before ReceivePackets gives up and returns ErrIdleTimeout.
const IdleTimeout = 5000 * time.Millisecond

// ErrTimedOut is returned when the teardown step exhausts its
// retransmission budget without the client's final ACK, or when the
// packet reader stops while waiting for a first SYN. An exhausted
// handshake budget does not return it: Run goes back to waiting for a
// fresh SYN instead.
var ErrTimedOut = errors.New("receiver: timed out waiting for peer")

// ErrIdleTimeout is returned when no valid packet arrives for IdleTimeout
// once a connection is established.
var ErrIdleTimeout = errors.New("receiver: connection idle for too long")

// ErrMtuViolation is returned when a received packet exceeds the
// configured MTU.
var ErrMtuViolation = errors.New("receiver: received packet exceeds negotiated MTU")

// Config configures a Machine.
type Config struct {
	Clock      clockwork.Clock
	Conn       rawsock.Conn
	Bind       net.IP
	MTU        int
	WindowSize int // reorder buffer slots
	Framed     bool
	Stdout     io.Writer
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Machine drives one server connection end to end: accepting a client,
// reassembling its stream, and tearing down on its FIN.
type Machine struct {
	cfg Config

	peerMu sync.RWMutex
	peer   net.IP
}

func (m *Machine) getPeer() net.IP {
	m.peerMu.RLock()
	defer m.peerMu.RUnlock()
	return m.peer
}

func (m *Machine) setPeer(ip net.IP) {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	m.peer = ip
}

// New returns a Machine ready to Run.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// envelope pairs a decoded client packet with its observed source
// address, since the reader learns the peer's address from the first
// SYN rather than being configured with it up front.
type envelope struct {
	pkt *wire.ClientPacket
	src net.IP
}

// Run waits for a client, completes the handshake, reassembles its
// stream onto Stdout, and returns once the client tears the connection
// down cleanly or the connection fails.
func (m *Machine) Run(ctx context.Context) error {
	log := m.cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	incoming, fatal := m.startReader(ctx)

	for {
		synSeqno, src, err := m.waitForFirstSyn(ctx, incoming, fatal)
		if err != nil {
			return err
		}
		handshakeStart := m.cfg.Clock.Now()
		m.setPeer(src)
		log.Debug("accepted syn", "seqno", synSeqno, "peer", src)

		first, abandoned, err := m.sendSynAckAndWaitForAck(ctx, incoming, fatal, synSeqno)
		if err != nil {
			return err
		}
		if abandoned {
			m.setPeer(nil)
			log.Debug("handshake abandoned, waiting for a new syn")
			continue
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.HandshakeDuration.Observe(m.cfg.Clock.Since(handshakeStart).Seconds())
		}
		log.Debug("handshake complete")

		return m.receivePackets(ctx, incoming, fatal, synSeqno+2, first)
	}
}

func (m *Machine) waitForFirstSyn(ctx context.Context, incoming <-chan envelope, fatal <-chan error) (uint16, net.IP, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case err := <-fatal:
			return 0, nil, err
		case env, ok := <-incoming:
			if !ok {
				return 0, nil, ErrTimedOut
			}
			if env.pkt.Flags == wire.Syn {
				return env.pkt.Seqno, env.src, nil
			}
		}
	}
}

// sendSynAckAndWaitForAck sends the SYN-ACK and waits for the client to
// confirm the connection, resending on timeout. It returns abandoned=true
// if the retry budget is exhausted, in which case the caller should go
// back to waiting for a fresh SYN rather than failing outright.
func (m *Machine) sendSynAckAndWaitForAck(ctx context.Context, incoming <-chan envelope, fatal <-chan error, synSeqno uint16) (*envelope, bool, error) {
	synAck := wire.ServerPacket{Flags: wire.Syn | wire.Ack, SeqnoStart: synSeqno, SeqnoEnd: synSeqno}
	if err := m.send(synAck); err != nil {
		return nil, false, err
	}
	m.countSent()

	ts := timeoutstream.New(m.cfg.Clock, PacketLossTimeout, incoming)
	defer ts.Stop()

	timeouts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case err := <-fatal:
			return nil, false, err
		case res, ok := <-ts.Out():
			if !ok {
				return nil, true, nil
			}
			if res.TimedOut {
				timeouts++
				if timeouts >= RetransmissionsNumber {
					return nil, true, nil
				}
				if err := m.send(synAck); err != nil {
					return nil, false, err
				}
				m.countSent()
				continue
			}
			env := res.Item
			if env.pkt.Flags == wire.Syn && env.pkt.Seqno == synSeqno {
				if err := m.send(synAck); err != nil {
					return nil, false, err
				}
				m.countSent()
				continue
			}
			first := env
			return &first, false, nil
		}
	}
}

func (m *Machine) receivePackets(ctx context.Context, incoming <-chan envelope, fatal <-chan error, startSeqno uint16, first *envelope) error {
	nextSeqno := startSeqno
	headroom := m.cfg.MTU - wire.ServerFullHeaderSize
	reorderBuf := reorder.New(m.cfg.WindowSize * headroom)
	reorderBuf.SetWindowBase(nextSeqno)
	tracker := seqtracker.New(nextSeqno)

	var out io.Writer = m.cfg.Stdout
	if m.cfg.Framed && out != nil {
		out = newFramedWriter(out)
	}

	gen := ackgen.New(m.cfg.Clock, AckPeriod, tracker)
	gen.Start()
	defer gen.Close()

	ackErr := make(chan error, 1)
	go func() {
		for batch := range gen.Out() {
			for _, rng := range batch.Ranges {
				if err := m.sendAck(rng.L, rng.R); err != nil {
					select {
					case ackErr <- err:
					default:
					}
					return
				}
			}
		}
	}()

	idleTimer := m.cfg.Clock.NewTimer(IdleTimeout)
	defer idleTimer.Stop()
	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.Chan():
			default:
			}
		}
		idleTimer.Reset(IdleTimeout)
	}

	process := func(env envelope) (bool, error) {
		resetIdle()
		pkt := env.pkt
		if pkt.Flags.Has(wire.Fin) {
			gen.Stop()
			return true, m.handleClientFin(ctx, incoming, fatal, pkt.Seqno)
		}
		if pkt.Flags == 0 {
			if tracker.Add(pkt.Seqno) {
				reorderBuf.Add(pkt.Seqno, pkt.Payload)
			}
			gen.Timeless()
			m.drainReorderBuffer(reorderBuf, &nextSeqno, out)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.WindowBytesInflight.Set(float64(reorderBuf.Occupied()))
			}
		}
		return false, nil
	}

	if first != nil {
		done, err := process(*first)
		if done {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-fatal:
			return err
		case err := <-ackErr:
			return err
		case env, ok := <-incoming:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			done, err := process(env)
			if done {
				return err
			}
		case <-idleTimer.Chan():
			return ErrIdleTimeout
		}
	}
}

func (m *Machine) drainReorderBuffer(buf *reorder.Buffer, nextSeqno *uint16, out io.Writer) {
	for {
		seq, ok := buf.PeekSeqno()
		if !ok || seq != *nextSeqno {
			return
		}
		_, payload, _ := buf.Take()
		if out != nil {
			out.Write(payload)
		}
		*nextSeqno++
		buf.SetWindowBase(*nextSeqno)
	}
}

// framedWriter buffers the reassembled byte stream and flushes complete
// 16-bit-big-endian-length-prefixed messages to the underlying writer as
// soon as each one's payload has fully arrived.
type framedWriter struct {
	w   io.Writer
	buf []byte
}

func newFramedWriter(w io.Writer) *framedWriter {
	return &framedWriter{w: w}
}

func (f *framedWriter) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	for {
		if len(f.buf) < 2 {
			return len(p), nil
		}
		length := int(binary.BigEndian.Uint16(f.buf[:2]))
		if len(f.buf) < 2+length {
			return len(p), nil
		}
		msg := f.buf[:2+length]
		if _, err := f.w.Write(msg); err != nil {
			return len(p), err
		}
		f.buf = f.buf[2+length:]
	}
}

// handleClientFin answers a client FIN with FIN-ACK and waits for the
// client's final ACK, resending FIN-ACK on timeout or on a repeated FIN.
func (m *Machine) handleClientFin(ctx context.Context, incoming <-chan envelope, fatal <-chan error, clientFinSeqno uint16) error {
	finAck := wire.ServerPacket{Flags: wire.Fin | wire.Ack, SeqnoStart: clientFinSeqno, SeqnoEnd: clientFinSeqno}
	if err := m.send(finAck); err != nil {
		return err
	}
	m.countSent()

	ts := timeoutstream.New(m.cfg.Clock, PacketLossTimeout, incoming)
	defer ts.Stop()

	timeouts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-fatal:
			return err
		case res, ok := <-ts.Out():
			if !ok {
				return ErrTimedOut
			}
			if res.TimedOut {
				timeouts++
				if timeouts >= RetransmissionsNumber {
					return ErrTimedOut
				}
				if err := m.send(finAck); err != nil {
					return err
				}
				m.countSent()
				continue
			}
			pkt := res.Item.pkt
			if pkt.Flags == wire.Ack && pkt.Seqno == clientFinSeqno+1 {
				return nil
			}
			if pkt.Flags == wire.Fin && pkt.Seqno == clientFinSeqno {
				if err := m.send(finAck); err != nil {
					return err
				}
				m.countSent()
			}
		}
	}
}

func (m *Machine) sendAck(l, r uint16) error {
	return m.send(wire.ServerPacket{Flags: wire.Ack, SeqnoStart: l, SeqnoEnd: r})
}

func (m *Machine) send(pkt wire.ServerPacket) error {
	peer := m.getPeer()
	buf := wire.EncodeServerPacket(pkt, m.cfg.Bind, peer)
	if len(buf) > m.cfg.MTU {
		return fmt.Errorf("%w: %d", ErrMtuViolation, len(buf))
	}
	return m.cfg.Conn.SendTo(buf, peer)
}

func (m *Machine) countSent() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.PacketsSentTotal.Inc()
	}
}

// startReader spawns the background decode loop translating raw socket
// reads into validated client packets. The peer address is unknown (and
// checksum/peer checks are skipped accordingly) until the first SYN is
// accepted and Machine.peer is set.
func (m *Machine) startReader(ctx context.Context) (<-chan envelope, <-chan error) {
	out := make(chan envelope)
	fatal := make(chan error, 1)

	go func() {
		defer close(out)
		buf := make([]byte, 64*1024)
		for {
			if ctx.Err() != nil {
				return
			}
			n, src, err := m.cfg.Conn.RecvFrom(buf)
			if err != nil {
				if errors.Is(err, rawsock.ErrWouldBlock) {
					time.Sleep(time.Millisecond)
					continue
				}
				fatal <- err
				return
			}
			if n > m.cfg.MTU {
				fatal <- fmt.Errorf("%w: %d", ErrMtuViolation, n)
				return
			}
			pkt, err := wire.DecodeClientPacket(buf[:n], src, m.getPeer(), m.cfg.Bind)
			if err != nil {
				if m.cfg.Metrics != nil {
					m.cfg.Metrics.PacketsDroppedTotal.WithLabelValues("decode").Inc()
				}
				continue
			}
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.PacketsReceivedTotal.Inc()
			}
			select {
			case out <- envelope{pkt: pkt, src: src}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, fatal
}
