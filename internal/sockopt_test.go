package internal

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewSocket_CreatesNonBlockingSocket(t *testing.T) {
	fd, err := newSocket(unix.AF_INET, unix.SOCK_STREAM)
	if err != nil {
		t.Fatalf("newSocket: %v", err)
	}
	defer unix.Close(fd)
	if fd < 0 {
		t.Fatalf("newSocket returned invalid fd %d", fd)
	}
}

func TestNewSocket_V6SetsV6Only(t *testing.T) {
	fd, err := newSocket(unix.AF_INET6, unix.SOCK_STREAM)
	if err != nil {
		t.Fatalf("newSocket v6: %v", err)
	}
	defer unix.Close(fd)
	got, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
	if err != nil {
		t.Fatalf("GetsockoptInt IPV6_V6ONLY: %v", err)
	}
	if got == 0 {
		t.Fatalf("IPV6_V6ONLY not set on v6 socket")
	}
}

func TestBindToDevice_EmptyIfaceIsNoop(t *testing.T) {
	fd, err := newSocket(unix.AF_INET, unix.SOCK_STREAM)
	if err != nil {
		t.Fatalf("newSocket: %v", err)
	}
	defer unix.Close(fd)
	if err := bindToDevice(fd, ""); err != nil {
		t.Fatalf("bindToDevice with empty iface: got err %v want nil", err)
	}
}

func TestSockaddrFor_V4AndV6(t *testing.T) {
	v4 := sockaddrFor(testInany("10.0.0.1"), 8080, false)
	sa4, ok := v4.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("sockaddrFor v4: got %T want *unix.SockaddrInet4", v4)
	}
	if sa4.Port != 8080 {
		t.Fatalf("sockaddrFor v4 port: got %d want 8080", sa4.Port)
	}
	if sa4.Addr != [4]byte{10, 0, 0, 1} {
		t.Fatalf("sockaddrFor v4 addr: got %v want [10 0 0 1]", sa4.Addr)
	}

	v6 := sockaddrFor(testInany("fd00::1"), 443, true)
	sa6, ok := v6.(*unix.SockaddrInet6)
	if !ok {
		t.Fatalf("sockaddrFor v6: got %T want *unix.SockaddrInet6", v6)
	}
	if sa6.Port != 443 {
		t.Fatalf("sockaddrFor v6 port: got %d want 443", sa6.Port)
	}
}
