// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package main

import (
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
)

// Config is the TOML-decoded node configuration.
type Config struct {
	// DataDir is the root for everything the engine persists locally:
	// the message memorium dumps, CSV summaries and the reserved-peer
	// snapshot.
	DataDir string

	// ForkFile optionally points at a fork-definition JSON file loaded at
	// startup. A malformed file aborts startup.
	ForkFile string

	// KeygenHistoryFile optionally points at a keygen-history export used
	// to inspect or bootstrap a validator set.
	KeygenHistoryFile string

	// MemoriumWriteIntervalSec throttles CSV flushes.
	MemoriumWriteIntervalSec uint64
	// MemoriumBlocksToKeep bounds on-disk epoch retention.
	MemoriumBlocksToKeep uint64

	// MetricsAddr, when non-empty, serves Prometheus metrics on this
	// listen address.
	MetricsAddr string

	Log LogConfig
}

// LogConfig controls file logging; an empty File logs to stderr only.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	Verbosity  int
}

func defaultConfig() Config {
	return Config{
		DataDir:                  "hbbft-data",
		MemoriumWriteIntervalSec: 10,
		MemoriumBlocksToKeep:     16,
		Log:                      LogConfig{MaxSizeMB: 100, MaxBackups: 5, Verbosity: 3},
	}
}

// tomlSettings mirrors how geth decodes its --config file: missing fields
// error out with a field path instead of being silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		if unicode.IsLower(rune(field[0])) {
			return nil
		}
		return fmt.Errorf("config: field '%s' is not defined in %s", field, rt.String())
	},
}

func loadConfig(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tomlSettings.NewDecoder(f).Decode(cfg)
}

func dumpConfig(cfg *Config) ([]byte, error) {
	return tomlSettings.Marshal(cfg)
}
