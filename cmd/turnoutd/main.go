// Command turnoutd drives up to eight servo-operated turnouts off a LocoNet-compatible
// bus, reporting feedback back onto the bus and, optionally, publishing every inbound
// bus message to an MQTT broker. Turnout feedback changes are not published to MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EbpController/LocoNet-Driver/bus"
	"github.com/EbpController/LocoNet-Driver/config"
	"github.com/EbpController/LocoNet-Driver/hw/gpioaddr"
	"github.com/EbpController/LocoNet-Driver/hw/gpiopins"
	"github.com/EbpController/LocoNet-Driver/hw/serialport"
	"github.com/EbpController/LocoNet-Driver/servo"
	"github.com/EbpController/LocoNet-Driver/telemetry"
	"github.com/EbpController/LocoNet-Driver/thread"
	"github.com/EbpController/LocoNet-Driver/turnout"
)

type LogPrintf func(format string, v ...interface{})

func main() {
	configFile := flag.String("config", "turnoutd.toml", "path to config file")
	debugFlag := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnoutd: %s\n", err)
		os.Exit(1)
	}

	debug := LogPrintf(func(string, ...interface{}) {})
	if cfg.Debug || *debugFlag {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		debug = log.Printf
	}

	if usesGPIO(cfg) {
		if err := gpioaddr.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "turnoutd: initializing GPIO host: %s\n", err)
			os.Exit(1)
		}
	}

	address, err := resolveAddress(cfg.Address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnoutd: resolving bus address: %s\n", err)
		os.Exit(1)
	}
	debug("turnoutd: bus address = %#02x", address)

	port, err := serialport.Open(cfg.Serial.Device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnoutd: opening serial port: %s\n", err)
		os.Exit(1)
	}
	defer port.Close()

	line, err := resolveLineIdle(cfg.Address, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnoutd: resolving line-idle sense: %s\n", err)
		os.Exit(1)
	}

	var tel *telemetry.Bridge
	if cfg.Mqtt.Host != "" {
		tel, err = telemetry.Connect(telemetry.Config{
			Host:     cfg.Mqtt.Host,
			Port:     cfg.Mqtt.Port,
			User:     cfg.Mqtt.User,
			Password: cfg.Mqtt.Password,
			Prefix:   cfg.Mqtt.Prefix,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "turnoutd: connecting telemetry: %s\n", err)
			os.Exit(1)
		}
		defer tel.Close(time.Second)
		debug("turnoutd: telemetry connected to %s:%d", cfg.Mqtt.Host, cfg.Mqtt.Port)
	}

	// The bus engine needs a handler up front, but the handler needs the bus engine (to
	// emit feedback) and the turnout app needs the bus engine too; break the cycle with
	// a handler whose app field is filled in once the app exists.
	handler := &telemetryHandler{tel: tel}
	busEngine := bus.New(port, line, handler)
	busEngine.SetLogger(func(format string, v ...interface{}) { debug(format, v...) })
	app := turnout.New(address, busEngine)
	handler.app = app

	pins, err := resolveServoPins(cfg.Servo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnoutd: resolving servo pins: %s\n", err)
		os.Exit(1)
	}
	servoEngine := servo.New(pins, app.UpdateServo)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		debug("turnoutd: shutting down")
		cancel()
	}()

	go func() {
		if err := thread.Realtime(thread.RR, thread.BusPriority); err != nil {
			debug("turnoutd: could not elevate bus goroutine priority: %s", err)
		}
		if err := busEngine.Run(ctx); err != nil {
			debug("turnoutd: bus engine stopped: %s", err)
		}
	}()

	stopServo := make(chan struct{})
	go servoEngine.Run(stopServo)

	<-ctx.Done()
	close(stopServo)
}

// usesGPIO reports whether any part of cfg needs the periph GPIO host initialized
// before pins can be resolved by name.
func usesGPIO(cfg *config.Config) bool {
	if cfg.Address.Fixed == nil {
		return true
	}
	for _, p := range cfg.Servo.Pins {
		if p != "" {
			return true
		}
	}
	return false
}

func resolveAddress(cfg config.AddressConfig) (byte, error) {
	if cfg.Fixed != nil {
		return *cfg.Fixed & 0x7F, nil
	}
	return gpioaddr.ReadAddress(cfg.Pins)
}

func resolveLineIdle(cfg config.AddressConfig, port *serialport.Port) (bus.LineIdle, error) {
	// A fixed-address bench setup has no DIP bank and typically no dedicated sense pin
	// either; fall back to always-idle so the engine can still be exercised end to end.
	if cfg.Fixed != nil {
		return alwaysIdle{}, nil
	}
	return gpioaddr.NewLineSense("LINE_SENSE")
}

type alwaysIdle struct{}

func (alwaysIdle) Idle() bool { return true }

// resolveServoPins opens the eight GPIO output pins named in cfg. With no pins
// configured, the servo engine still runs (driving its PinSetter every 2500 µs as
// usual) but with a no-op sink — useful for a bench setup that only exercises the bus,
// turnout logic, and telemetry without servo hardware wired up.
func resolveServoPins(cfg config.ServoConfig) (servo.PinSetter, error) {
	configured := false
	for _, p := range cfg.Pins {
		if p != "" {
			configured = true
			break
		}
	}
	if !configured {
		return noopPins{}, nil
	}
	return gpiopins.Open(cfg.Pins)
}

// noopPins is the fallback servo.PinSetter used when no servo GPIO pins are configured.
type noopPins struct{}

func (noopPins) Set(channel int, high bool) {}

// telemetryHandler fans an inbound bus message out to the turnout application and, if
// configured, to the telemetry bridge, which receives it before the application acts
// on it.
type telemetryHandler struct {
	app *turnout.App
	tel *telemetry.Bridge
}

func (h *telemetryHandler) HandleInbound(msg []byte) {
	if h.tel != nil {
		h.tel.PublishRaw(telemetry.RawMessage{Bytes: append([]byte(nil), msg...), At: timeNow()})
	}
	h.app.HandleInbound(msg)
}

func timeNow() time.Time { return time.Now() }
