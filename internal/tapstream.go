package internal

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// StreamTap implements the STREAM-mode tap transport:
// a length-prefixed Unix stream, framed as repeating
// [uint32 length BE][length bytes of Ethernet frame], with partial-frame
// reassembly since a recv() may split a frame across its boundary.
type StreamTap struct {
	listenFD int
	connFD   int
	oneOff   bool

	rxBuf    []byte
	rxFilled int

	pools [2]framePool // index by boolToInt(v6)
}

const tapBufBytes = 65536

// DialOrListenStream probes for a free socket path: when
// path is empty, tries /tmp/<name>_<N>.socket for N in [1,100] and binds
// the first one where a prior connect attempt fails with
// ENOENT/ECONNREFUSED/EACCES (i.e. nothing is listening there yet).
func DialOrListenStream(name, path string) (*StreamTap, error) {
	if path == "" {
		var err error
		path, err = probeStreamSocketPath(name)
		if err != nil {
			return nil, err
		}
	}
	_ = unix.Unlink(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := checkNewFd(fd, unix.Close); err != nil {
		return nil, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &StreamTap{listenFD: fd, connFD: -1, rxBuf: make([]byte, tapBufBytes)}, nil
}

func probeStreamSocketPath(name string) (string, error) {
	for n := 1; n <= 100; n++ {
		path := fmt.Sprintf("/tmp/%s_%d.socket", name, n)
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return "", err
		}
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		unix.Close(fd)
		switch err {
		case unix.ENOENT, unix.ECONNREFUSED, unix.EACCES:
			return path, nil
		}
	}
	return "", fmt.Errorf("no free socket path /tmp/%s_[1-100].socket", name)
}

// AcceptConn accepts the hypervisor's connection. Only one connection is
// served at a time.
func (t *StreamTap) AcceptConn() (int, error) {
	fd, _, err := unix.Accept4(t.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	if err := checkNewFd(fd, unix.Close); err != nil {
		return -1, err
	}
	t.connFD = fd
	t.rxFilled = 0
	return fd, nil
}

// ReadFrames reads available bytes and returns whatever complete frames
// it can extract from rxBuf, leaving at most one partial trailing frame
// buffered for the next call.
func (t *StreamTap) ReadFrames() ([][]byte, error) {
	n, err := unix.Read(t.connFD, t.rxBuf[t.rxFilled:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, net.ErrClosed
	}
	t.rxFilled += n

	var frames [][]byte
	off := 0
	for off+4 <= t.rxFilled {
		flen := int(binary.BigEndian.Uint32(t.rxBuf[off : off+4]))
		if off+4+flen > t.rxFilled {
			break
		}
		frame := make([]byte, flen)
		copy(frame, t.rxBuf[off+4:off+4+flen])
		frames = append(frames, frame)
		off += 4 + flen
	}
	remaining := t.rxFilled - off
	copy(t.rxBuf, t.rxBuf[off:t.rxFilled])
	t.rxFilled = remaining
	return frames, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (t *StreamTap) EnqueueData(v6 bool, frame []byte, seqAdvance uint32, onSent func(sent bool)) {
	t.pools[boolToInt(v6)].add(prependLength(frame), seqAdvance, onSent)
}

func (t *StreamTap) EnqueueFlags(v6 bool, frame []byte) {
	t.pools[boolToInt(v6)].add(prependLength(frame), 0, nil)
}

func prependLength(frame []byte) []byte {
	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out
}

// Flush writes every queued frame as one sendmsg with a many-element
// iovec, falling back to per-frame write_remainder on a short send that
// lands inside a partial write.
func (t *StreamTap) Flush(now time.Time) {
	if t.connFD < 0 {
		return
	}
	for fam := 0; fam < 2; fam++ {
		pool := &t.pools[fam]
		if len(pool.frames) == 0 {
			continue
		}
		iov := make([][]byte, len(pool.frames))
		for i, f := range pool.frames {
			iov[i] = f.buf
		}
		sent, err := writevPartial(t.connFD, iov)
		consumed := 0
		for _, f := range pool.frames {
			ok := err == nil && consumed+len(f.buf) <= sent
			if f.onSent != nil {
				f.onSent(ok)
			}
			consumed += len(f.buf)
		}
		pool.reset()
	}
}

// writevPartial performs a single writev and returns the number of bytes
// actually written; on EAGAIN it reports 0 sent rather than erroring, so
// the caller's per-frame fallback can retry next wakeup.
func writevPartial(fd int, iov [][]byte) (int, error) {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range iov {
		buf = append(buf, b...)
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Close releases the listening and (if any) connected fds.
func (t *StreamTap) Close() error {
	if t.connFD >= 0 {
		_ = unix.Close(t.connFD)
	}
	return unix.Close(t.listenFD)
}

// RegisterTapListenFD puts the Unix listening socket into the event
// loop, tagged RefTapListen so Engine's handleTapListen accepts the
// hypervisor's one connection.
func RegisterTapListenFD(loop *Loop, t *StreamTap) error {
	ref := MakeEpollRef(RefTapListen, t.listenFD, 0)
	return loop.Add(t.listenFD, unix.EPOLLIN, ref)
}

// SetOneOff configures whether losing the tap connection should end the
// process entirely rather than wait for a reconnect.
func (t *StreamTap) SetOneOff(v bool) { t.oneOff = v }

// OneOff reports the configured one-off behavior.
func (t *StreamTap) OneOff() bool { return t.oneOff }
