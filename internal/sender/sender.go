// Package sender implements the client side of the stream transport: the
// handshake, data pump, and shutdown state machine (C11).
package sender

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dmnsafonov/ping6-tools/internal/ackwait"
	"github.com/dmnsafonov/ping6-tools/internal/rawsock"
	"github.com/dmnsafonov/ping6-tools/internal/retransmit"
	"github.com/dmnsafonov/ping6-tools/internal/seqmath"
	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
	"github.com/dmnsafonov/ping6-tools/internal/timeoutstream"
	"github.com/dmnsafonov/ping6-tools/internal/trimbuffer"
	"github.com/dmnsafonov/ping6-tools/internal/wire"
)

// Ipv6MinMtu is the fallback MTU used when no interface MTU is known.
const Ipv6MinMtu = 1280

// MaxMtu clamps the negotiated MTU from above.
const MaxMtu = 65535

// RetransmissionsNumber bounds handshake and teardown retries.
const RetransmissionsNumber = retransmit.RetransmissionsNumber

// PacketLossTimeout governs handshake, teardown, and retransmission
// deadlines.
const PacketLossTimeout = retransmit.PacketLossTimeout

// Outcome reports why a connection terminated cleanly.
type Outcome int

const (
	DataSent Outcome = iota
	ServerFin
)

// ErrTimedOut is returned when a handshake or teardown step exhausts its
// retransmission budget without a matching reply.
var ErrTimedOut = errors.New("sender: timed out waiting for peer")

// ErrMtuViolation is returned when a received packet, or an encoded
// packet about to be sent, is longer than the negotiated MTU.
var ErrMtuViolation = errors.New("sender: received packet exceeds negotiated MTU")

// ClampMTU applies the IPV6_MIN_MTU fallback and 65535 ceiling.
func ClampMTU(ifaceMTU int) int {
	mtu := ifaceMTU
	if mtu <= 0 {
		mtu = Ipv6MinMtu
	}
	if mtu > MaxMtu {
		mtu = MaxMtu
	}
	return mtu
}

// Config configures a Machine.
type Config struct {
	Clock   clockwork.Clock
	Conn    rawsock.Conn
	Src     net.IP
	Dst     net.IP
	MTU     int // already clamped via ClampMTU
	Framed  bool
	Stdin   io.Reader
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Machine drives one client connection end to end.
type Machine struct {
	cfg Config
}

// New returns a Machine ready to Run.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Run executes the full handshake, data pump, and shutdown sequence. It
// blocks until the connection terminates (cleanly or fatally) or ctx is
// cancelled.
func (m *Machine) Run(ctx context.Context) (Outcome, error) {
	log := m.cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	incoming, fatal := m.startReader(ctx)

	handshakeStart := m.cfg.Clock.Now()
	synSeqno := uint16(rand.Intn(1 << 16))
	log.Debug("sending initial syn", "seqno", synSeqno)

	synAck, err := m.handshakeSendAndWait(ctx, incoming, fatal,
		wire.ClientPacket{Flags: wire.Syn, Seqno: synSeqno},
		func(p *wire.ServerPacket) bool {
			return p.Flags == wire.Syn|wire.Ack && p.SeqnoStart == synSeqno
		},
	)
	if err != nil {
		return 0, err
	}

	nextSeqno := synSeqno + 1
	if err := m.send(wire.ClientPacket{Flags: wire.Ack, Seqno: nextSeqno}); err != nil {
		return 0, err
	}
	m.countSent()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.HandshakeDuration.Observe(m.cfg.Clock.Since(handshakeStart).Seconds())
	}
	log.Debug("handshake complete", "server_seqno", synAck.SeqnoStart)
	nextSeqno++

	outcome, err := m.dataPump(ctx, incoming, fatal, nextSeqno)
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

func (m *Machine) dataPump(ctx context.Context, incoming <-chan *wire.ServerPacket, fatal <-chan error, startSeqno uint16) (Outcome, error) {
	headroom := m.cfg.MTU - wire.ClientFullHeaderSize
	sendBuf := trimbuffer.NewSendBuffer(1<<20, 1<<18)
	waitlist := ackwait.New()
	driver := retransmit.New(m.cfg.Clock, &entryResender{m: m}, waitlist)

	nextSeqno := startSeqno
	windowStart := startSeqno
	var ackedBytes uint64

	stdinDone := false
	var stdinCh <-chan []byte
	if m.cfg.Framed {
		stdinCh = readFramedMessages(ctx, m.cfg.Stdin, headroom)
	} else {
		stdinCh = readChunks(ctx, m.cfg.Stdin, headroom)
	}

	ticker := m.cfg.Clock.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if stdinDone && sendBuf.Available() == 0 && waitlist.Empty() {
			return m.clientInitiatedTeardown(ctx, incoming, fatal, nextSeqno)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()

		case err := <-fatal:
			return 0, err

		case chunk, ok := <-stdinCh:
			if !ok {
				stdinDone = true
				continue
			}
			sendBuf.Add(chunk)
			m.drainSendBuffer(sendBuf, waitlist, &nextSeqno, headroom)

		case p, ok := <-incoming:
			if !ok {
				return 0, ErrTimedOut
			}
			if p.Flags.Has(wire.Fin) {
				return m.serverInitiatedTeardown(ctx, incoming, fatal, nextSeqno, p.SeqnoStart)
			}
			if p.Flags.Has(wire.Ack) {
				acked := ackedInRange(waitlist.Iter(), windowStart, p.SeqnoStart, p.SeqnoEnd)
				waitlist.Remove(windowStart, p.SeqnoStart, p.SeqnoEnd)
				waitlist.Cleanup()
				if acked > 0 {
					ackedBytes += uint64(acked)
					sendBuf.AdvanceWindow(ackedBytes)
				}
				if rest := waitlist.Iter(); len(rest) > 0 {
					windowStart = rest[0].Seqno
				} else {
					windowStart = nextSeqno
				}
			}
			m.drainSendBuffer(sendBuf, waitlist, &nextSeqno, headroom)

		case <-ticker.Chan():
			if err := driver.Tick(); err != nil {
				return 0, err
			}
		}
	}
}

func (m *Machine) drainSendBuffer(sendBuf *trimbuffer.SendBuffer, waitlist *ackwait.Waitlist, nextSeqno *uint16, headroom int) {
	for {
		slice, ok := sendBuf.Take(headroom)
		if !ok {
			return
		}
		seqno := *nextSeqno
		*nextSeqno++
		if err := m.send(wire.ClientPacket{Seqno: seqno, Payload: slice.Bytes()}); err != nil {
			continue
		}
		m.countSent()
		waitlist.Add(ackwait.Entry{Seqno: seqno, Slice: slice})
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.WindowBytesInflight.Set(float64(sendBuf.InFlight()))
	}
}

func (m *Machine) clientInitiatedTeardown(ctx context.Context, incoming <-chan *wire.ServerPacket, fatal <-chan error, seqno uint16) (Outcome, error) {
	_, err := m.handshakeSendAndWait(ctx, incoming, fatal,
		wire.ClientPacket{Flags: wire.Fin, Seqno: seqno},
		func(p *wire.ServerPacket) bool {
			return p.Flags == wire.Fin|wire.Ack && p.SeqnoStart == seqno
		},
	)
	if err != nil {
		return 0, err
	}
	if err := m.send(wire.ClientPacket{Flags: wire.Ack, Seqno: seqno + 1}); err != nil {
		return 0, err
	}
	m.countSent()
	return DataSent, nil
}

func (m *Machine) serverInitiatedTeardown(ctx context.Context, incoming <-chan *wire.ServerPacket, fatal <-chan error, seqno, serverFinSeqno uint16) (Outcome, error) {
	_, err := m.handshakeSendAndWait(ctx, incoming, fatal,
		wire.ClientPacket{Flags: wire.Fin | wire.Ack, Seqno: seqno},
		func(p *wire.ServerPacket) bool {
			return p.Flags.Has(wire.Ack) && p.SeqnoStart == seqno
		},
	)
	if err != nil {
		return 0, err
	}
	return ServerFin, nil
}

// handshakeSendAndWait sends pkt, then waits up to RetransmissionsNumber
// periods of PacketLossTimeout for a reply satisfying match, resending
// pkt on every timeout except the last, which returns ErrTimedOut.
func (m *Machine) handshakeSendAndWait(ctx context.Context, incoming <-chan *wire.ServerPacket, fatal <-chan error, pkt wire.ClientPacket, match func(*wire.ServerPacket) bool) (*wire.ServerPacket, error) {
	if err := m.send(pkt); err != nil {
		return nil, err
	}
	m.countSent()

	ts := timeoutstream.New(m.cfg.Clock, PacketLossTimeout, incoming)
	defer ts.Stop()

	timeouts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-fatal:
			return nil, err
		case res, ok := <-ts.Out():
			if !ok {
				return nil, ErrTimedOut
			}
			if res.TimedOut {
				timeouts++
				if timeouts >= RetransmissionsNumber {
					return nil, ErrTimedOut
				}
				if err := m.send(pkt); err != nil {
					return nil, err
				}
				m.countSent()
				continue
			}
			if match(res.Item) {
				return res.Item, nil
			}
		}
	}
}

func (m *Machine) send(pkt wire.ClientPacket) error {
	buf := wire.EncodeClientPacket(pkt, m.cfg.Src, m.cfg.Dst)
	if len(buf) > m.cfg.MTU {
		return fmt.Errorf("%w: %d", ErrMtuViolation, len(buf))
	}
	return m.cfg.Conn.SendTo(buf, m.cfg.Dst)
}

func (m *Machine) countSent() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.PacketsSentTotal.Inc()
	}
}

// startReader spawns the background decode loop translating raw socket
// reads into validated server packets, silently dropping anything that
// fails wire validation and reporting MTU violations on the fatal
// channel.
func (m *Machine) startReader(ctx context.Context) (<-chan *wire.ServerPacket, <-chan error) {
	out := make(chan *wire.ServerPacket)
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
			pkt, err := wire.DecodeServerPacket(buf[:n], src, m.cfg.Dst, m.cfg.Src)
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
			case out <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, fatal
}

func readChunks(ctx context.Context, r io.Reader, chunkSize int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// readFramedMessages reads 16-bit-big-endian-length-prefixed messages off
// r and forwards each one's header and payload bytes whole onto the wire
// byte stream (split into chunkSize-sized pieces, since the framing is
// reconstructed on the receiving end from the bytes themselves). A
// truncated trailing frame at EOF is dropped.
func readFramedMessages(ctx context.Context, r io.Reader, chunkSize int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		var header [2]byte
		for {
			if _, err := io.ReadFull(r, header[:]); err != nil {
				return
			}
			length := binary.BigEndian.Uint16(header[:])
			msg := make([]byte, 2+int(length))
			copy(msg, header[:])
			if _, err := io.ReadFull(r, msg[2:]); err != nil {
				return
			}
			for len(msg) > 0 {
				n := len(msg)
				if n > chunkSize {
					n = chunkSize
				}
				chunk := append([]byte(nil), msg[:n]...)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				msg = msg[n:]
			}
		}
	}()
	return out
}

func ackedInRange(entries []ackwait.Entry, windowStart, l, r uint16) int {
	relL, relR := seqmath.Rel(windowStart, l), seqmath.Rel(windowStart, r)
	total := 0
	for _, e := range entries {
		rel := seqmath.Rel(windowStart, e.Seqno)
		var in bool
		if relL <= relR {
			in = rel >= relL && rel <= relR
		} else {
			in = rel >= relL || rel <= relR
		}
		if in {
			total += e.Slice.Len()
		}
	}
	return total
}

type entryResender struct {
	m *Machine
}

func (r *entryResender) Resend(e ackwait.Entry) error {
	if r.m.cfg.Metrics != nil {
		r.m.cfg.Metrics.RetransmitsTotal.Inc()
	}
	return r.m.send(wire.ClientPacket{Seqno: e.Seqno, Payload: e.Slice.Bytes()})
}
