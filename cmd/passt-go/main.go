// Command passt-go is a user-space L2-to-L4 network translator: it
// presents a tap device to a guest (over a Unix stream socket in
// STREAM mode, or a raw tuntap device inside a target network
// namespace in NS mode) and maps every TCP/UDP/ICMP flow onto ordinary
// host sockets, with no privileged capabilities and no kernel module.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"passt-go/internal"
)

func main() {
	var cfgPath string
	var oneOff bool
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.BoolVar(&oneOff, "one-off", false, "exit after the first tap connection closes (STREAM mode)")
	flag.Parse()

	cfg, err := internal.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if oneOff {
		cfg.Stream.OneOff = true
	}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(pidString()), 0644); err != nil {
			log.Printf("pid file: %v", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	ctx, err := internal.NewCtx(cfg)
	if err != nil {
		log.Fatalf("context init: %v", err)
	}

	loop, err := internal.NewLoop()
	if err != nil {
		log.Fatalf("event loop: %v", err)
	}
	ctx.Loop = loop
	defer loop.Close()

	var tap internal.TapWriter
	if cfg.Mode == internal.ModeNS {
		ns, err := openNamespace(cfg.NS)
		if err != nil {
			log.Fatalf("namespace: %v", err)
		}
		ctx.NS = ns
		tap, err = openNSTap(ns, cfg.NS)
		if err != nil {
			log.Fatalf("tap: %v", err)
		}
	} else {
		tap, err = internal.DialOrListenStream("passt-go", cfg.Stream.SocketPath)
		if err != nil {
			log.Fatalf("tap: %v", err)
		}
	}

	eng := internal.NewEngine(ctx, tap, cfg.Mode == internal.ModeNS)

	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	if st, ok := tap.(*internal.StreamTap); ok {
		st.SetOneOff(cfg.Stream.OneOff)
		if err := internal.RegisterTapListenFD(loop, st); err != nil {
			log.Fatalf("tap listener: %v", err)
		}
		eng.OnTapGone = func() {
			log.Printf("tap connection gone, one-off set, exiting")
			closeStop()
		}
	}

	log.Printf("passt-go starting, mode=%s flow_max=%d", cfg.Mode, cfg.Limits.FlowMax)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down")
		closeStop()
	}()

	if err := loop.Run(stop); err != nil {
		log.Fatalf("event loop: %v", err)
	}
}

func pidString() string {
	return itoa(os.Getpid())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// openNamespace attaches to the target namespace by PID or path.
func openNamespace(cfg internal.NSConfig) (*internal.NSEntry, error) {
	if cfg.PID != 0 {
		return internal.OpenByPID(cfg.PID, cfg.NetnsOnly)
	}
	return internal.OpenByPath(cfg.Path)
}

// openNSTap enters the target namespace (via NSEntry.Run) before
// creating the tuntap device so it lands inside the guest's network
// namespace.
func openNSTap(ns *internal.NSEntry, cfg internal.NSConfig) (*internal.NSTap, error) {
	var tap *internal.NSTap
	err := ns.Run(func() error {
		var innerErr error
		tap, innerErr = internal.OpenNSTap(cfg.DeviceName, true)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return tap, nil
}

