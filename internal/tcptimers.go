package internal

import (
	"time"

	"golang.org/x/sys/unix"
)

// Retransmission backoff: each fired timer either
// resends the last unacked window and doubles the deadline, or, past
// MaxRetrans attempts, drops the connection.
var retransBaseInterval = 200 * time.Millisecond

// retransMaxInterval caps the exponential backoff so a long-stalled
// connection still gets probed roughly every half minute instead of
// drifting out to hours.
var retransMaxInterval = 30 * time.Second

// ArmTimer creates (or rearms) conn's per-connection timerfd for the
// given deadline and registers it with the loop: one timerfd per TCP
// flow.
func (c *Ctx) ArmTimer(conn *TCPConn, d time.Duration) error {
	if conn.Timer < 0 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			return err
		}
		if err := checkNewFd(fd, unix.Close); err != nil {
			return err
		}
		conn.Timer = fd
		ref := MakeEpollRef(RefTCPTimer, fd, uint32(conn.FlowIdx))
		if err := c.Loop.Add(fd, unix.EPOLLIN, ref); err != nil {
			unix.Close(fd)
			conn.Timer = -1
			return err
		}
	}
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(d)),
	}
	return unix.TimerfdSettime(conn.Timer, 0, spec, nil)
}

// DisarmTimer stops and removes conn's timerfd without closing the
// connection itself (used once retransmission is no longer needed,
// e.g. on a fresh ACK covering all outstanding data).
func (c *Ctx) DisarmTimer(conn *TCPConn) {
	if conn.Timer < 0 {
		return
	}
	_ = c.Loop.Del(conn.Timer)
	_ = unix.Close(conn.Timer)
	conn.Timer = -1
}

// HandleTimerFired runs the retransmission logic: drain the timerfd's
// expiration counter, then either back off and retransmit or give up
// past MaxRetrans.
func (c *Ctx) HandleTimerFired(idx int, now time.Time) {
	slot := c.Flows.Get(idx)
	conn, ok := slot.Payload.(*TCPConn)
	if !ok || conn.closed || conn.Timer < 0 {
		return
	}
	var buf [8]byte
	_, _ = unix.Read(conn.Timer, buf[:])

	if conn.HasState(EvTapSynRcvd) && !conn.Has(EvTapSynAckSent) {
		return
	}

	if int(conn.Retrans) >= c.Cfg.Limits.MaxRetrans {
		c.beginClose(conn, now, true)
		return
	}

	conn.Retrans++
	backoff := minDur(retransBaseInterval<<conn.Retrans, retransMaxInterval)
	interval := applyJitter(backoff, retransBaseInterval/4)
	c.retransmitUnacked(conn)
	_ = c.ArmTimer(conn, interval)
}

// retransmitUnacked resends conn's last-sent-but-unacked window. Nothing
// was ever actually drained from the kernel socket for unacked bytes
// (HandleSockReadable only peeks, consumeAcked only drains what the tap
// confirmed), so the same bytes are still sitting there to peek again and
// rebuild into fresh tap frames at their original sequence numbers. With
// no unacked data outstanding this just resends the current ACK/window.
func (c *Ctx) retransmitUnacked(conn *TCPConn) {
	unacked := int(conn.SeqToTap - conn.SeqAckFromTap)
	if unacked <= 0 {
		frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, tcpFlagAckByte, scaledWindow(conn), nil, nil)
		c.Tap.EnqueueFlags(conn.V6, frame)
		return
	}
	if unacked > len(c.sockScratch) {
		unacked = len(c.sockScratch)
	}
	n, _, err := unix.Recvfrom(conn.Sock, c.sockScratch[:unacked], unix.MSG_PEEK)
	if err != nil || n == 0 {
		frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, tcpFlagAckByte, scaledWindow(conn), nil, nil)
		c.Tap.EnqueueFlags(conn.V6, frame)
		return
	}

	data := c.sockScratch[:n]
	seq := conn.SeqAckFromTap
	mss := int(conn.MSS)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > mss {
			chunk = chunk[:mss]
		}
		frame := buildTapFrame(c, conn, seq, conn.SeqAckToTap, tcpFlagAckByte, scaledWindow(conn), chunk, nil)
		c.Tap.EnqueueFlags(conn.V6, frame)
		seq += uint32(len(chunk))
		data = data[len(chunk):]
	}
}

const tcpFlagAckByte = 0x10

// RunPeriodicTCP is invoked on the event loop's ~1s tick (when
// ShouldRunPeriodic fires): samples RTT for every established connection
// and sends any bare ACKs still due.
func (c *Ctx) RunPeriodicTCP(now time.Time) {
	for i := 0; i < c.Flows.Max(); i++ {
		slot := c.Flows.Get(i)
		conn, ok := slot.Payload.(*TCPConn)
		if !ok || conn.closed {
			continue
		}
		if conn.HasState(EvEstablished) {
			c.SampleRTT(conn)
		}
	}
	c.FlushDueAcks(now)
}
