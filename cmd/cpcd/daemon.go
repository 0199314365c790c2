package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/wireco/cpcd/internal/config"
	"github.com/wireco/cpcd/internal/core"
	cpcdriver "github.com/wireco/cpcd/internal/driver"
	"github.com/wireco/cpcd/internal/eventloop"
	"github.com/wireco/cpcd/internal/framer"
	"github.com/wireco/cpcd/internal/logging"
	"github.com/wireco/cpcd/internal/metrics"
	"github.com/wireco/cpcd/internal/recovery"
	"github.com/wireco/cpcd/internal/security"
	"github.com/wireco/cpcd/internal/servercore"
	"github.com/wireco/cpcd/internal/sysendpoint"
)

// protocolVersion and capabilities are reported to the secondary over the
// system endpoint; capabilities currently advertises nothing beyond the
// baseline ARQ/security feature set every build carries.
const (
	protocolVersion byte   = 1
	capabilities    uint32 = 0
)

// Daemon wires together every component of one cpcd instance: the physical
// driver, the frame codec, the ARQ core, the optional security handshake,
// the system endpoint, and the client-facing Unix sockets. One Daemon
// corresponds to one physical link to one secondary.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	driver  cpcdriver.Driver
	encoder *framer.Encoder
	decoder *framer.Decoder
	loop    *eventloop.Loop
	metrics *metrics.Metrics

	core    *core.Core
	sys     *sysendpoint.SysEndpoint
	manager *servercore.Manager

	worker    *security.Worker
	handshake *security.Handshake

	stop chan struct{}
}

// frameSink adapts an Encoder+Driver pair to core.FrameSink, recording wire
// traffic metrics on every successful send.
type frameSink struct {
	enc    *framer.Encoder
	driver cpcdriver.Driver
	mtx    *metrics.Metrics
}

func (s *frameSink) SendFrame(address byte, ctrl framer.Control, payload []byte) error {
	wire, err := s.enc.Encode(address, ctrl, payload)
	if err != nil {
		return err
	}
	if _, err := s.driver.Write(wire); err != nil {
		return fmt.Errorf("daemon: write frame to driver: %w", err)
	}
	s.mtx.RecordFrameSent(ctrl.Type.String(), len(wire))
	return nil
}

// NewDaemon opens the bus and builds a Daemon from cfg, but does not start
// the event loop, the security worker or the client-facing sockets yet;
// call Start for that.
func NewDaemon(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	drv, err := cpcdriver.Open(cpcdriver.Type(cfg.Bus.Type), cpcdriver.UARTConfig(cfg.Bus.UART), cpcdriver.SPIConfig(cfg.Bus.SPI))
	if err != nil {
		return nil, fmt.Errorf("daemon: open bus: %w", err)
	}

	loop, err := eventloop.New(logger)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("daemon: create event loop: %w", err)
	}

	mtx := metrics.Default()

	enc := framer.NewEncoder()
	enc.MTU = cfg.ARQ.MTU
	dec := framer.NewDecoder()
	dec.MTU = cfg.ARQ.MTU

	sink := &frameSink{enc: enc, driver: drv, mtx: mtx}

	coreCfg := core.Config{
		RTOInitial:    cfg.ARQ.RTOInitial,
		RTOMax:        cfg.ARQ.RTOMax,
		MaxRetries:    cfg.ARQ.MaxRetries,
		AckTimerDelay: cfg.ARQ.AckTimerDelay,
		MTU:           cfg.ARQ.MTU,
	}
	c := core.New(coreCfg, sink, loop, logger)

	sys := sysendpoint.New(c, protocolVersion, capabilities, logger)

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		driver:  drv,
		encoder: enc,
		decoder: dec,
		loop:    loop,
		metrics: mtx,
		core:    c,
		sys:     sys,
		stop:    make(chan struct{}),
	}

	if cfg.Security.Enabled {
		binding, created, err := security.LoadOrCreateBindingKey(cfg.Instance.DataDir)
		if err != nil {
			drv.Close()
			return nil, fmt.Errorf("daemon: load binding key: %w", err)
		}
		if created {
			logger.Info("generated new binding key", "data_dir", cfg.Instance.DataDir)
		}

		worker := security.NewWorker(logger)
		d.worker = worker
		c.SetSecurity(security.NewClient(worker))

		hs := security.NewHandshake(c, worker, binding, logger)
		hs.SetInner(sys)
		d.handshake = hs
		c.SetNotifier(hs)
	} else {
		c.SetNotifier(sys)
	}

	instanceDir := filepath.Join(cfg.Instance.SocketDir, cfg.Instance.Name)
	manager, err := servercore.NewManager(instanceDir, c, sys, cfg.ARQ.MTU, logger)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("daemon: create server core: %w", err)
	}
	d.manager = manager

	for id := byte(1); id < core.MaxEndpointID; id++ {
		if id == core.SecurityEndpointID {
			continue
		}
		c.ConfigureEndpoint(id, cfg.ARQ.WindowSize, cfg.Security.Enabled)
	}

	return d, nil
}

// Start registers the already-open bus with the event loop, and brings up the
// system endpoint, the security handshake (if enabled), and every
// client-facing socket.
func (d *Daemon) Start() error {
	if d.worker != nil {
		go d.worker.Start()
	}

	d.loop.Register(d.driver.Fd(), d.onDriverReadable)

	if err := d.sys.Start(); err != nil {
		return fmt.Errorf("daemon: start system endpoint: %w", err)
	}
	go d.pollNotifications(core.SystemEndpointID, d.sys.PollInbound)

	if d.handshake != nil {
		if err := d.handshake.Start(); err != nil {
			return fmt.Errorf("daemon: start security handshake: %w", err)
		}
		go d.pollNotifications(core.SecurityEndpointID, d.handshake.PollInbound)
		go d.rekeyDriver()
	}

	if err := d.manager.Start(); err != nil {
		return fmt.Errorf("daemon: start server core: %w", err)
	}

	go func() {
		defer recovery.RecoverWithLog(d.logger, "daemon.eventLoop")
		if err := d.loop.Run(); err != nil {
			d.logger.Error("event loop exited", logging.KeyError, err)
		}
	}()

	d.logger.Info("cpcd started",
		logging.KeyInstance, d.cfg.Instance.Name,
		logging.KeyBus, d.cfg.Bus.Type,
		"security", d.cfg.Security.Enabled,
	)
	return nil
}

// pollNotifications drains endpoint id's RXReady signal for the lifetime of
// the daemon, invoking poll each time it fires. Both the system endpoint and
// the security handshake need their own inbound payloads dispatched off the
// event-loop goroutine since neither registers an fd of its own.
func (d *Daemon) pollNotifications(id byte, poll func()) {
	defer recovery.RecoverWithLog(d.logger, "daemon.pollNotifications")
	ready := d.core.Endpoint(id).RXReady()
	for {
		select {
		case <-d.stop:
			return
		case <-ready:
			poll()
		}
	}
}

// rekeyDriver runs a fresh ECDH exchange every time Core signals that an
// encrypted endpoint's frame counter has crossed security.RekeyThreshold.
// Core has already backpressured Write on every encrypted endpoint by the
// time the signal arrives; Handshake.Rekey clears that once the new
// session is installed.
func (d *Daemon) rekeyDriver() {
	defer recovery.RecoverWithLog(d.logger, "daemon.rekeyDriver")
	for {
		select {
		case <-d.stop:
			return
		case endpoint := <-d.core.RekeyRequests():
			d.logger.Info("security rekey starting", logging.KeyEndpoint, endpoint)
			if err := d.handshake.Rekey(); err != nil {
				d.logger.Error("security rekey failed", logging.KeyEndpoint, endpoint, logging.KeyError, err)
			}
		}
	}
}

// onDriverReadable is the event loop's handler for the bus fd: it drains
// whatever bytes are available, feeds them to the decoder, and dispatches
// every resulting event to Core.
func (d *Daemon) onDriverReadable() {
	buf := make([]byte, 4096)
	n, err := d.driver.Read(buf)
	if err != nil {
		d.logger.Error("driver read failed", logging.KeyError, err)
		return
	}
	if n == 0 {
		return
	}
	d.metrics.BytesReceived.Add(float64(n))
	d.decoder.Write(buf[:n])

	events := d.decoder.Drain(nil)
	for _, ev := range events {
		switch ev.Kind {
		case framer.EventFrame:
			d.metrics.FramesReceived.WithLabelValues(ev.Frame.Control.Type.String()).Inc()
			if err := d.core.HandleInboundFrame(ev.Frame); err != nil {
				d.logger.Error("inbound frame handling failed", logging.KeyError, err)
			}
		case framer.EventCorruptPayload:
			d.metrics.CorruptPayload.Inc()
			if err := d.core.HandleCorruptPayload(ev.Frame); err != nil {
				d.logger.Error("corrupt payload handling failed", logging.KeyError, err)
			}
		case framer.EventGarbage:
			d.metrics.GarbageBytes.Add(float64(len(ev.Garbage)))
		}
	}
}

// Stop tears the daemon down in reverse startup order: sockets, the event
// loop, the security worker, then the bus itself.
func (d *Daemon) Stop() error {
	close(d.stop)

	if err := d.manager.Stop(); err != nil {
		d.logger.Error("failed to stop server core", logging.KeyError, err)
	}

	d.loop.Stop()
	if err := d.loop.Close(); err != nil {
		d.logger.Error("failed to close event loop", logging.KeyError, err)
	}

	if d.worker != nil {
		d.worker.Stop()
	}

	if err := d.driver.Close(); err != nil {
		return fmt.Errorf("daemon: close driver: %w", err)
	}
	d.logger.Info("cpcd stopped", logging.KeyInstance, d.cfg.Instance.Name)
	return nil
}
