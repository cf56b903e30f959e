package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/clock"
	"codeberg.org/mutker/fieldlogd/internal/config"
	"codeberg.org/mutker/fieldlogd/internal/device"
	"codeberg.org/mutker/fieldlogd/internal/health"
	"codeberg.org/mutker/fieldlogd/internal/kvstore"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"codeberg.org/mutker/fieldlogd/internal/radio"
	"codeberg.org/mutker/fieldlogd/internal/sink"
	"codeberg.org/mutker/fieldlogd/internal/sleep"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/afero"
)

const (
	// batteryVoltagePath is the sysfs battery voltage in microvolts; hosts
	// without one report USB power.
	batteryVoltagePath = "/sys/class/power_supply/BAT0/voltage_now"
	usbVolts           = 5.2
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		logger.SetLogLevel(logLevel(cfg.LogLevel))
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	store, err := kvstore.Open(cfg.StateDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	defer store.Close()

	ticks := clock.NewMonotonic()
	rad := radio.New(radio.Config{
		TimeoutMs:  uint32(cfg.RadioTimeout) * 1000,
		DebounceMs: radio.DefaultConfig().DebounceMs,
	}, &hostRadio{}, ticks.Millis())

	sleepCfg := sleep.DefaultConfig()
	sleepCfg.Enabled = cfg.Sleep
	sleepCfg.Interval = time.Duration(cfg.MeasurementInterval) * time.Second
	slp := sleep.New(sleepCfg, &sleep.Region{}, &hostSystem{}, rad)

	healthCfg := health.DefaultConfig()
	healthCfg.SleepEnabled = cfg.Sleep
	healthCfg.ClientMode = cfg.NetworkMode == string(config.NetworkModeClient)
	mon := health.New(healthCfg, &hostWatchdog{}, &hostRestarter{}, &hostNetwork{}, rad, store.Namespace("health"))

	dev, err := device.New(device.Options{
		Config:   cfg,
		Store:    store,
		Sink:     sink.New(afero.NewOsFs(), cfg.DataDir),
		Radio:    rad,
		Sleep:    slp,
		Health:   mon,
		Ticks:    ticks.Millis,
		Source:   &hostSource{},
		Battery:  batteryVolts,
		Syncer:   &systemSyncer{},
		Watchdog: &hostWatchdog{},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize device")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := dev.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logLevel(name string) logger.LogLevel {
	switch name {
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// hostSource samples host memory statistics as the measurement record.
type hostSource struct{}

func (hostSource) Read() (string, string, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "", "", err
	}

	header := "timestamp,free_memory_bytes,used_percent"
	record := fmt.Sprintf("%s,%d,%.1f",
		time.Now().Format(time.DateTime), vm.Available, vm.UsedPercent)

	return header, record, nil
}

// batteryVolts reads the sysfs battery voltage; absent hardware means the
// host runs on external power.
func batteryVolts() float64 {
	data, err := os.ReadFile(batteryVoltagePath)
	if err != nil {
		return usbVolts
	}

	microVolts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return usbVolts
	}

	return float64(microVolts) / 1_000_000
}

// hostRadio stands in for the radio driver. Power transitions are logged
// only; host network interfaces stay managed by the OS.
type hostRadio struct{}

func (hostRadio) PowerOn() error {
	logger.Info().Msg("Radio power on requested")
	return nil
}

func (hostRadio) PowerOff() error {
	logger.Info().Msg("Radio power off requested")
	return nil
}

func (hostRadio) Connected() bool {
	return true
}

// hostSystem suspends by blocking until the wake timer would have fired.
type hostSystem struct{}

func (hostSystem) Suspend(wakeAfter time.Duration) error {
	time.Sleep(wakeAfter)
	return nil
}

type hostWatchdog struct{}

func (hostWatchdog) Ping() {
	logger.Debug().Msg("Watchdog ping")
}

// hostRestarter exits non-zero so the service manager restarts the process.
type hostRestarter struct{}

func (hostRestarter) Restart() {
	os.Exit(1)
}

type hostNetwork struct{}

func (hostNetwork) Reconnect() error {
	logger.Info().Str("network", cfg.NetworkName).Msg("Reconnect requested")
	return nil
}

func (hostNetwork) StartStandalone() error {
	logger.Info().Msg("Standalone mode requested")
	return nil
}

// systemSyncer trusts the host clock, which NTP keeps correct.
type systemSyncer struct{}

func (systemSyncer) Sync() (time.Time, error) {
	return time.Now(), nil
}
