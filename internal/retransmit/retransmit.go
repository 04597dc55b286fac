// Package retransmit implements the sender-side retransmission driver: it
// walks the ack waitlist, resending entries whose deadline has expired,
// and fails the connection if any entry exhausts its retry budget (C9).
package retransmit

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dmnsafonov/ping6-tools/internal/ackwait"
)

// PacketLossTimeout is the per-entry retransmission deadline (spec
// constant PACKET_LOSS_TIMEOUT).
const PacketLossTimeout = 5000 * time.Millisecond

// RetransmissionsNumber is how many times an entry's deadline may expire
// before the connection fails with ErrTimedOut.
const RetransmissionsNumber = 3

// ErrTimedOut is returned when an entry's deadline expires for the
// RetransmissionsNumber-th time without it being acknowledged.
var ErrTimedOut = errors.New("retransmit: entry exceeded retransmission budget")

// Sender re-emits a waitlist entry's payload on the wire. Implemented by
// the owning connection (sender state machine).
type Sender interface {
	Resend(e ackwait.Entry) error
}

type deadline struct {
	seqno   uint16
	at      time.Time
	retries int
}

// Driver tracks per-entry deadlines across successive Tick calls, keyed
// by sequence number, so retry counts survive entries being reordered or
// removed from the waitlist between ticks.
type Driver struct {
	clock    clockwork.Clock
	sender   Sender
	waitlist *ackwait.Waitlist

	deadlines map[uint16]*deadline
}

// New constructs a Driver over waitlist, sending retransmissions through
// sender and timing deadlines via clock.
func New(clock clockwork.Clock, sender Sender, waitlist *ackwait.Waitlist) *Driver {
	return &Driver{
		clock:     clock,
		sender:    sender,
		waitlist:  waitlist,
		deadlines: make(map[uint16]*deadline),
	}
}

// Tick examines every outstanding waitlist entry, resending any whose
// deadline has expired and resetting it to now + PacketLossTimeout. It
// returns ErrTimedOut, without resending, once an entry's deadline has
// expired RetransmissionsNumber times, so an entry is resent at most
// RetransmissionsNumber-1 times.
func (d *Driver) Tick() error {
	now := d.clock.Now()
	live := make(map[uint16]bool)

	for _, e := range d.waitlist.Iter() {
		live[e.Seqno] = true
		dl, ok := d.deadlines[e.Seqno]
		if !ok {
			dl = &deadline{seqno: e.Seqno, at: now.Add(PacketLossTimeout)}
			d.deadlines[e.Seqno] = dl
			continue
		}
		if now.Before(dl.at) {
			continue
		}

		dl.retries++
		if dl.retries >= RetransmissionsNumber {
			return ErrTimedOut
		}
		if err := d.sender.Resend(e); err != nil {
			return err
		}
		dl.at = now.Add(PacketLossTimeout)
	}

	for seqno := range d.deadlines {
		if !live[seqno] {
			delete(d.deadlines, seqno)
		}
	}
	return nil
}
