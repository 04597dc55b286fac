package retransmit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dmnsafonov/ping6-tools/internal/ackwait"
	"github.com/dmnsafonov/ping6-tools/internal/trimbuffer"
)

type fakeSender struct {
	resends []uint16
}

func (f *fakeSender) Resend(e ackwait.Entry) error {
	f.resends = append(f.resends, e.Seqno)
	return nil
}

func addEntry(t *testing.T, w *ackwait.Waitlist, buf *trimbuffer.Buffer, seqno uint16, n int, payload string) {
	t.Helper()
	buf.Add([]byte(payload))
	slice, ok := buf.Take(n)
	require.True(t, ok)
	w.Add(ackwait.Entry{Seqno: seqno, Slice: slice})
}

func TestTickDoesNotResendBeforeDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	buf := trimbuffer.New(64)
	w := ackwait.New()
	addEntry(t, w, buf, 0, 5, "hello")

	sender := &fakeSender{}
	d := New(clock, sender, w)
	require.NoError(t, d.Tick())
	require.Empty(t, sender.resends)
}

func TestTickResendsAfterDeadlineAndResetsIt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	buf := trimbuffer.New(64)
	w := ackwait.New()
	addEntry(t, w, buf, 0, 5, "hello")

	sender := &fakeSender{}
	d := New(clock, sender, w)
	require.NoError(t, d.Tick())

	clock.Advance(PacketLossTimeout)
	require.NoError(t, d.Tick())
	require.Equal(t, []uint16{0}, sender.resends)

	require.NoError(t, d.Tick())
	require.Equal(t, []uint16{0}, sender.resends)
}

func TestTickFailsAfterRetransmissionBudgetExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	buf := trimbuffer.New(64)
	w := ackwait.New()
	addEntry(t, w, buf, 0, 5, "hello")

	sender := &fakeSender{}
	d := New(clock, sender, w)
	require.NoError(t, d.Tick())

	for i := 0; i < RetransmissionsNumber-1; i++ {
		clock.Advance(PacketLossTimeout)
		require.NoError(t, d.Tick())
	}

	clock.Advance(PacketLossTimeout)
	require.ErrorIs(t, d.Tick(), ErrTimedOut)
}

func TestTickStopsTrackingAcknowledgedEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	buf := trimbuffer.New(64)
	w := ackwait.New()
	addEntry(t, w, buf, 0, 5, "hello")

	sender := &fakeSender{}
	d := New(clock, sender, w)
	require.NoError(t, d.Tick())

	w.Remove(0, 0, 0)
	w.Cleanup()

	clock.Advance(PacketLossTimeout)
	require.NoError(t, d.Tick())
	require.Empty(t, sender.resends)
}
