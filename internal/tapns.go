package internal

import (
	"fmt"
	"net"
	"time"

	"github.com/songgao/water"
)

// NSTap implements the NS-mode tap transport: a raw
// Ethernet tap device inside the target network namespace, as opposed to
// STREAM mode's length-prefixed Unix socket. The device is expected to
// already exist (created by the caller's setup step, matching the
// teacher's "existing interface created by start script" convention),
// or is created fresh when createIfMissing is set.
type NSTap struct {
	ifce *water.Interface
	mtu  int

	rxBuf []byte

	pools [2]framePool

	frames chan []byte
	errc   chan error
}

const nsTapMTUDefault = 65535

// OpenNSTap opens (or creates) a TAP device named name inside the
// currently entered namespace. Callers run this from inside
// NSEntry.Run so the device lands in the guest's namespace.
func OpenNSTap(name string, createIfMissing bool) (*NSTap, error) {
	if name == "" {
		return nil, fmt.Errorf("ns.device is empty")
	}
	if _, err := net.InterfaceByName(name); err != nil {
		if !createIfMissing {
			return nil, fmt.Errorf("ns tap interface %q not found: %w", name, err)
		}
	}

	cfg := water.Config{DeviceType: water.TAP}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tap %q: %w", name, err)
	}

	mtu := nsTapMTUDefault
	if ifi, err := net.InterfaceByName(name); err == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}

	return &NSTap{
		ifce:   ifce,
		mtu:    mtu,
		rxBuf:  make([]byte, nsTapMTUDefault+14), // + Ethernet header
		frames: make(chan []byte, 256),
		errc:   make(chan error, 1),
	}, nil
}

// StartReader launches the blocking read loop in its own goroutine: the
// water library exposes the tuntap device as a plain io.ReadWriteCloser
// with no raw fd for epoll to watch, so NS mode gets its frames off a
// channel instead of an epoll readiness event. The event loop's deferred pass drains Frames() every
// iteration.
func (t *NSTap) StartReader() {
	go func() {
		buf := make([]byte, nsTapMTUDefault+14)
		for {
			n, err := t.ifce.Read(buf)
			if err != nil {
				t.errc <- err
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			t.frames <- frame
		}
	}()
}

// Frames returns the channel StartReader's goroutine delivers raw
// (unparsed) Ethernet frames on.
func (t *NSTap) Frames() <-chan []byte { return t.frames }

// Errors returns the channel a fatal read error is reported on.
func (t *NSTap) Errors() <-chan error { return t.errc }

func (t *NSTap) EnqueueData(v6 bool, frame []byte, seqAdvance uint32, onSent func(sent bool)) {
	t.pools[boolToInt(v6)].add(frame, seqAdvance, onSent)
}

func (t *NSTap) EnqueueFlags(v6 bool, frame []byte) {
	t.pools[boolToInt(v6)].add(frame, 0, nil)
}

// Flush writes every queued frame individually: a TAP device has no
// batched-writev equivalent to a stream socket, so each frame gets its
// own write(). Frames are still only
// written once per loop iteration, preserving the ordering guarantee
//
func (t *NSTap) Flush(now time.Time) {
	for fam := 0; fam < 2; fam++ {
		pool := &t.pools[fam]
		for _, f := range pool.frames {
			_, err := t.ifce.Write(f.buf)
			if f.onSent != nil {
				f.onSent(err == nil)
			}
		}
		pool.reset()
	}
}

// Close releases the tap device.
func (t *NSTap) Close() error {
	return t.ifce.Close()
}

// MTU reports the tap device's MTU as recorded when it was opened.
func (t *NSTap) MTU() int { return t.mtu }
