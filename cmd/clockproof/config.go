package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/clockproof/pkg/attest"
)

const defaultConfig = "clockproof.yaml"

// Duration parses yaml duration strings like "90s" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the yaml deployment configuration. Every field has a
// usable default so a missing config file only disables the pieces
// that genuinely need deployment input (the attestation policy).
type Config struct {
	// NodeID names this node in snapshots and merge logs.
	NodeID string `yaml:"node_id"`
	// DB is the SQLite database path.
	DB string `yaml:"db"`

	Enclave struct {
		// CID and Port address the worker over a virtual socket.
		CID  uint32 `yaml:"cid"`
		Port uint32 `yaml:"port"`
		// TCP, when set (host:port), replaces the virtual socket with
		// a plain TCP connection for development runs.
		TCP string `yaml:"tcp"`
	} `yaml:"enclave"`

	Attestation struct {
		ModuleID   string `yaml:"module_id"`
		AnchorCert string `yaml:"anchor_cert"`
		AnchorKey  string `yaml:"anchor_key"`
		// Validity bounds each document's window, e.g. "1h".
		Validity Duration `yaml:"validity"`
		// PCRs maps register index to the expected value, hex-encoded.
		PCRs map[int]string `yaml:"pcrs"`
	} `yaml:"attestation"`
}

func defaultedConfig() Config {
	var cfg Config
	cfg.DB = "clockproof.db"
	cfg.Enclave.CID = 16
	cfg.Enclave.Port = 5005
	cfg.Attestation.ModuleID = "clockproof-worker"
	cfg.Attestation.AnchorCert = "anchor.pem"
	cfg.Attestation.AnchorKey = "anchor.key"
	cfg.Attestation.Validity = Duration(time.Hour)
	return cfg
}

// loadConfig reads the yaml config at path. A missing file yields the
// defaults; a present-but-invalid file is an error. The CLOCKPROOF_DB
// environment variable overrides the database path either way.
func loadConfig(path string) (Config, error) {
	cfg := defaultedConfig()
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if db := os.Getenv("CLOCKPROOF_DB"); db != "" {
		cfg.DB = db
	}
	return cfg, nil
}

// pcrPolicy decodes the config's hex register values into the expected
// PCR map for an attest.Policy.
func (c Config) pcrPolicy() (map[int][]byte, error) {
	if len(c.Attestation.PCRs) == 0 {
		return nil, nil
	}
	out := make(map[int][]byte, len(c.Attestation.PCRs))
	for i, h := range c.Attestation.PCRs {
		v, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("pcr %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// policy builds the verification policy from the config: trust anchor
// certificate plus expected registers.
func (c Config) policy() (attest.Policy, error) {
	pool, err := attest.LoadAnchorPool(c.Attestation.AnchorCert)
	if err != nil {
		return attest.Policy{}, err
	}
	pcrs, err := c.pcrPolicy()
	if err != nil {
		return attest.Policy{}, err
	}
	return attest.Policy{Roots: pool, PCRs: pcrs}, nil
}
