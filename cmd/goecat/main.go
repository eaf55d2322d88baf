package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/network"
	log "github.com/sirupsen/logrus"

	_ "github.com/samsamfire/goecat/pkg/can/socketcan"
	_ "github.com/samsamfire/goecat/pkg/can/virtual"
	_ "github.com/samsamfire/goecat/pkg/fieldbus/canopen"
	_ "github.com/samsamfire/goecat/pkg/fieldbus/sim"
)

func main() {
	// Command line arguments
	ifname := flag.String("i", "", "network interface e.g. sim0, socketcan:can0 (overrides config)")
	driver := flag.String("d", "", "fieldbus driver e.g. sim, canopen (overrides config)")
	configPath := flag.String("c", "", "configuration file (.ini, .conf, .yaml, .yml)")
	step := flag.Int("step", 0, "velocity ramp increment per tick (overrides config)")
	plateau := flag.Int("max", 0, "velocity ramp plateau (overrides config)")
	level := flag.String("v", "", "log level e.g. debug, info, warn (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *driver != "" {
		cfg.Master.Driver = *driver
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	logLevel, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetLevel(logLevel)

	ramp, err := rampFlags(cfg.Ramp.Ramp(), *step, *plateau)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = network.Run(ctx, *ifname, ramp, network.WithConfig(cfg))
	if err != nil {
		log.Errorf("run failed : %v", err)
		stop()
		os.Exit(1)
	}
	log.Info("stopped")
}

// rampFlags overrides base with the non zero flags. A zero ramp keeps the
// configured one.
func rampFlags(base cia402.Ramp, step int, plateau int) (cia402.Ramp, error) {
	if step == 0 && plateau == 0 {
		return cia402.Ramp{}, nil
	}
	for name, v := range map[string]int{"step": step, "max": plateau} {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return cia402.Ramp{}, fmt.Errorf("-%v %v out of int32 range", name, v)
		}
	}
	if step != 0 {
		base.Step = int32(step)
	}
	if plateau != 0 {
		base.Max = int32(plateau)
	}
	return base, nil
}
