// Command brig boots a guest from a serialised architecture model and a
// guest configuration document, then dispatches from the configured
// entry point.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/engine"
	"github.com/avisi-group/brig-dbt/internal/dbt/guest"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
)

func main() {
	modelPath := flag.String("model", "", "serialised architecture model")
	configPath := flag.String("config", "", "guest configuration document")
	entry := flag.Uint64("entry", 0, "guest physical address to dispatch from")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *modelPath == "" || *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: brig -model <blob> -config <json> [-entry <addr>]")
		os.Exit(2)
	}
	if err := run(*modelPath, *configPath, *entry); err != nil {
		logrus.Fatal(err)
	}
}

func run(modelPath, configPath string, entry uint64) error {
	blob, err := os.ReadFile(modelPath)
	if err != nil {
		return fmt.Errorf("reading model: %w", err)
	}
	model, err := ir.Deserialise(blob)
	if err != nil {
		return err
	}
	cfg, err := guest.LoadConfig(configPath)
	if err != nil {
		return err
	}

	eng, err := engine.Boot(model, cfg)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"functions": len(model.Functions()),
		"registers": len(model.Registers()),
	}).Info("model loaded")

	return eng.Run(entry, func(gpa uint64) (*ir.Function, error) {
		fn, ok := model.Function(fmt.Sprintf("fetch_%#x", gpa))
		if !ok {
			return nil, fmt.Errorf("no translation unit at %#x", gpa)
		}
		return fn, nil
	})
}
