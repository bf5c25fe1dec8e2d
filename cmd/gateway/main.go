// Command gateway bridges browser clients to a CAN bus speaking
// CANopen SDO plus a vendor bootloader (spec §1, §4.N). It wires the
// protocol task (canbus, sdo, session, discovery, spotvalues,
// intervaltx, firmware, lock, dispatch) to the WebSocket/HTTP
// transport and runs until SIGINT/SIGTERM.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/config"
	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/dispatch"
	"github.com/oi-gateway/canbridge/internal/firmware"
	"github.com/oi-gateway/canbridge/internal/intervaltx"
	"github.com/oi-gateway/canbridge/internal/lock"
	"github.com/oi-gateway/canbridge/internal/registry"
	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/oi-gateway/canbridge/internal/session"
	"github.com/oi-gateway/canbridge/internal/spotvalues"
	"github.com/oi-gateway/canbridge/transport/httpapi"
	"github.com/oi-gateway/canbridge/transport/ws"
)

var (
	defaultChannel  = "can0"
	defaultHTTPAddr = ":8090"
	defaultStateDir = "."
)

func main() {
	log.SetLevel(log.InfoLevel)

	channel := flag.String("i", defaultChannel, "socketcan channel e.g. can0,vcan0")
	txPin := flag.Int("tx-pin", 0, "CAN transceiver TX enable pin")
	rxPin := flag.Int("rx-pin", 0, "CAN transceiver RX enable pin")
	httpAddr := flag.String("http", defaultHTTPAddr, "HTTP/WebSocket listen address")
	stateDir := flag.String("state-dir", defaultStateDir, "directory for settings.json, devices.json, and OTA uploads")
	staticDir := flag.String("static-dir", defaultStateDir, "directory containing the browser UI build (dist/)")
	flag.Parse()

	logger := log.WithField("component", "gateway")

	settingsPath := filepath.Join(*stateDir, "settings.json")
	devicesPath := filepath.Join(*stateDir, "devices.json")

	settings, err := config.Load(settingsPath)
	if err != nil {
		logger.WithError(err).Fatal("load settings")
	}

	bus, err := canbus.NewSocketcanBus(*channel)
	if err != nil {
		logger.WithError(err).Fatalf("open CAN interface %s", *channel)
	}

	io := canbus.New(logger)
	reg := discovery.NewRegistry()
	if err := registry.Load(devicesPath, reg); err != nil {
		logger.WithError(err).Warn("load device registry")
	}
	io.SetHeartbeatHook(reg.MarkSeen)

	if err := io.InitForScanning(bus); err != nil {
		logger.WithError(err).Fatal("initialize CAN filter")
	}
	go io.Run()

	baud, err := canbus.BaudFromCode(settings.CanSpeed)
	if err != nil {
		logger.WithError(err).Fatal("resolve CAN speed")
	}

	sdoClient := sdo.NewClient(io)
	sess := session.New(sdoClient)
	sess.BaudRate = baud
	sess.TxPin = *txPin
	sess.RxPin = *rxPin

	scanner := discovery.NewScanner(sdoClient, reg, logger)
	spot := spotvalues.New(sdoClient)
	tx := intervaltx.New(io)
	fw := firmware.New(io, logger)
	io.SetBootloaderHook(fw.Handle)
	locks := lock.New()

	d := dispatch.New(io, sdoClient, sess, scanner, reg, spot, tx, fw, locks, logger)

	hub := ws.NewHub(d, logger)
	go hub.Run()

	httpServer := httpapi.New(reg, settingsPath, *staticDir, *stateDir, d, hub, logger)

	server := &http.Server{Addr: *httpAddr, Handler: httpServer}
	go func() {
		logger.WithField("addr", *httpAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server")
		}
	}()

	persistRegistry := time.NewTicker(30 * time.Second)
	defer persistRegistry.Stop()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-persistRegistry.C:
			if reg.Dirty() {
				if err := registry.Save(devicesPath, reg); err != nil {
					logger.WithError(err).Error("persist device registry")
				}
				reg.ClearDirty()
			}
		case <-stopSignal:
			logger.Info("shutting down")
			hub.Stop()
			io.Stop()
			if err := registry.Save(devicesPath, reg); err != nil {
				logger.WithError(err).Error("persist device registry")
			}
			return
		}
	}
}
