// command mcuctl connects to a single MCU, optionally registers one
// demo stepper, runs the configuration handshake, and prints stats,
// the minimal harness for bringing up a new firmware build against
// this core outside of a full planner.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"mcuhost.dev/devices"
	"mcuhost.dev/dict"
	"mcuhost.dev/mcu"
)

var (
	serialDev  = flag.String("device", "/dev/ttyS0", "serial device")
	baud       = flag.Int("baud", 115200, "serial baud rate")
	pinMap     = flag.String("pin_map", "", "named user pin map, empty uses the firmware default")
	customFile = flag.String("custom", "", "path to a file of raw config lines")
	resetPin   = flag.String("reset_pin", "", "host GPIO pin that hard-resets the board before connect")
	cachePath  = flag.String("cache", "", "path to cache the parsed firmware dictionary")

	traceFile = flag.String("trace", "", "write commands as text to this file instead of a live MCU")
	dictFile  = flag.String("dictionary", "", "firmware dictionary JSON to replay against, required with -trace")

	stepPin = flag.String("step_pin", "", "demo stepper step pin")
	dirPin  = flag.String("dir_pin", "", "demo stepper dir pin")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcuctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	custom := ""
	if *customFile != "" {
		b, err := os.ReadFile(*customFile)
		if err != nil {
			return fmt.Errorf("read custom config: %w", err)
		}
		custom = string(b)
	}

	session := mcu.New(mcu.Config{
		Serial:    *serialDev,
		Baud:      *baud,
		PinMap:    *pinMap,
		Custom:    custom,
		CachePath: *cachePath,
		ResetPin:  *resetPin,
	})
	session.OnShutdown(func(name, msg string) {
		fmt.Fprintf(os.Stderr, "mcuctl: firmware shutdown: %s %s\n", name, msg)
		os.Exit(2)
	})

	if *traceFile != "" {
		out, err := connectReplay(session)
		if err != nil {
			return err
		}
		defer out.Close()
	} else if err := session.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Disconnect()

	if *stepPin != "" {
		if _, err := devices.CreateStepper(session, *stepPin, *dirPin, 0, 2); err != nil {
			return fmt.Errorf("create demo stepper: %w", err)
		}
	}

	if err := session.BuildConfig(); err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	fmt.Println(session.Stats(float64(time.Now().Unix())))
	return nil
}

func connectReplay(session *mcu.Session) (*os.File, error) {
	if *dictFile == "" {
		return nil, fmt.Errorf("-trace requires -dictionary")
	}
	raw, err := os.ReadFile(*dictFile)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	d, err := dict.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	out, err := os.Create(*traceFile)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	if err := session.ConnectFile(out, d, false); err != nil {
		out.Close()
		return nil, fmt.Errorf("connect_file: %w", err)
	}
	return out, nil
}
