// Command tabrmd is the TPM2 access broker daemon: it owns the one TPM
// transport on the host and multiplexes it across many client sessions
// through a CommandSource/Broker/ResponseSink pipeline, accepting
// control-plane requests (CreateConnection/Cancel/SetLocality) over a
// Unix-domain socket.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tabrmd/tabrmd/control"
	"github.com/tabrmd/tabrmd/pipeline"
	"github.com/tabrmd/tabrmd/reactor"
	"github.com/tabrmd/tabrmd/rpc"
	"github.com/tabrmd/tabrmd/session"
	"github.com/tabrmd/tabrmd/transport"
)

func main() {
	loggerName := flag.String("logger", "stdout", "the name of the desired logger: stdout|syslog")
	socketPath := flag.String("socket", "/run/tabrmd.sock", "control-plane Unix-domain socket path")
	transportDriver := flag.String("transport", "device", "TPM transport driver: device|sim|echo")
	transportOpt := flag.String("transport-opt", "", "comma-separated key=value options for the transport driver")
	entropyPath := flag.String("entropy", "/dev/urandom", "entropy device used to seed session ids")
	maxFrame := flag.Int("max-frame", pipeline.DefaultMaxFrameSize, "maximum TPM command/response frame size")
	maxSessions := flag.Int("max-sessions", 0, "maximum concurrent sessions, 0 for unbounded")
	queueDepth := flag.Int("queue-depth", 64, "capacity of each inter-stage queue")
	flag.Parse()

	if err := configureLogger(*loggerName); err != nil {
		log.Fatalf("tabrmd: %v", err)
	}

	log.Printf("tabrmd startup")

	ids, err := control.NewIDGenerator(*entropyPath)
	if err != nil {
		log.Fatalf("tabrmd: %v", err)
	}

	registry := session.NewRegistry()
	metrics := control.NewMetricsRegistry()
	cfg := control.NewConfigStore(control.Config{
		TransportDriver: *transportDriver,
		TransportOpts:   parseOpts(*transportOpt),
		MaxFrameSize:    *maxFrame,
		QueueDepth:      *queueDepth,
	})
	barrier := control.NewInitBarrier()
	cfg.OnReload(func() {
		log.Printf("tabrmd: config reloaded: %+v", cfg.GetSnapshot())
	})

	startCfg := cfg.GetSnapshot()
	cmdQueue := pipeline.NewQueue[pipeline.TaggedBuffer](startCfg.QueueDepth)
	respQueue := pipeline.NewQueue[pipeline.TaggedBuffer](startCfg.QueueDepth)

	watcher, err := reactor.New()
	if err != nil {
		log.Fatalf("tabrmd: %v", err)
	}
	source, err := pipeline.NewCommandSource(watcher, registry, cmdQueue, startCfg.MaxFrameSize)
	if err != nil {
		log.Fatalf("tabrmd: %v", err)
	}
	go source.Run()

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	probes.RegisterPipelineProbes(registry, cmdQueue, respQueue, func() string {
		return cfg.GetSnapshot().TransportDriver
	})

	// ControlPlane and the RPC listener are built and bound now, ahead of
	// the transport handshake below, so the control socket is reachable
	// immediately; CreateConnection/Cancel/SetLocality all wait on
	// barrier before touching anything the init goroutine below builds.
	plane := control.NewControlPlane(barrier, registry, source, ids, metrics, *maxSessions)
	server, err := rpc.NewServer(*socketPath, plane)
	if err != nil {
		log.Fatalf("tabrmd: %v", err)
	}
	go server.Run()
	log.Printf("tabrmd: control socket listening at %s, opening transport", *socketPath)

	// Opening the TPM transport (dialing a simulator, opening a device
	// node) is the one step that can genuinely stall, so it and
	// everything downstream of it run on their own goroutine while the
	// control socket above is already servicing (barrier-blocked)
	// clients, mirroring init_thread_func running alongside g_bus_own_name.
	shutdownCh := make(chan error, 1)
	var tr transport.Transport
	var broker *pipeline.Broker
	var sink *pipeline.ResponseSink
	go func() {
		var err error
		tr, err = transport.Open(startCfg.TransportDriver, startCfg.TransportOpts)
		if err != nil {
			log.Fatalf("tabrmd: open transport %q: %v", startCfg.TransportDriver, err)
		}
		broker = pipeline.NewBroker(cmdQueue, respQueue, registry, tr, metrics, func(err error) {
			select {
			case shutdownCh <- err:
			default:
			}
		})
		sink = pipeline.NewResponseSink(respQueue, registry)
		go broker.Run()
		go sink.Run()

		plane.Bind(broker)
		barrier.Open()
		log.Printf("tabrmd ready: transport=%s socket=%s", startCfg.TransportDriver, *socketPath)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	stop := false
	for !stop {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Printf("tabrmd: debug state: %+v", probes.DumpState())
				cfg.SetConfig(control.Config{Extra: map[string]any{"state": "reloaded"}})
			default:
				log.Printf("tabrmd: shutdown signal received")
				stop = true
			}
		case err := <-shutdownCh:
			log.Printf("tabrmd: fatal transport error, shutting down: %v", err)
			stop = true
		}
	}

	// Always join the init goroutine before touching tr/broker/sink below,
	// whether or not it had already finished, mirroring tabd.c's
	// unconditional g_thread_join(init_thread) during cleanup.
	barrier.Wait()

	if err := server.Shutdown(); err != nil {
		log.Printf("tabrmd: rpc shutdown: %v", err)
	}
	source.RequestStop()
	source.Shutdown()
	broker.Shutdown()
	sink.Shutdown()

	for _, sess := range registry.Drain() {
		sess.Close()
	}
	if err := tr.Close(); err != nil {
		log.Printf("tabrmd: transport close: %v", err)
	}
	cfg.SetConfig(control.Config{Extra: map[string]any{"state": "stopped"}})
	log.Printf("tabrmd: shutdown complete")
}

func configureLogger(name string) error {
	switch name {
	case "stdout":
		log.SetOutput(os.Stderr)
		return nil
	case "syslog":
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "tabrmd")
		if err != nil {
			return err
		}
		log.SetOutput(w)
		return nil
	default:
		return fmt.Errorf("unknown logger %q, try -logger stdout|syslog", name)
	}
}

func parseOpts(raw string) transport.Options {
	opts := transport.Options{}
	if raw == "" {
		return opts
	}
	for _, kv := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		opts[k] = v
	}
	return opts
}
