package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/daviddao/clockproof/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg Config
	log *slog.Logger
	st  *store.Store // opened lazily; not every command touches the DB
}

// newApp loads the configuration and builds the shared logger. The
// database is not opened here: setup commands like keygen should not
// create one as a side effect.
func newApp() (*app, error) {
	path := envOr("CLOCKPROOF_CONFIG", defaultConfig)
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if os.Getenv("CLOCKPROOF_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return &app{cfg: cfg, log: log}, nil
}

// Close releases the database connection, if one was opened.
func (a *app) Close() {
	if a.st != nil {
		a.st.Close()
	}
}

// openStore opens the configured database on first use.
func (a *app) openStore() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	s, err := store.New(a.cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", a.cfg.DB, err)
	}
	a.st = s
	return s, nil
}

// nodeID resolves this node's identity. The flag wins over the config;
// an empty value mints a fresh identity so one-off sessions still get
// distinct snapshot rows.
func (a *app) nodeID(flagVal string) (uuid.UUID, error) {
	v := flagVal
	if v == "" {
		v = a.cfg.NodeID
	}
	if v == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid node id %q: %w", v, err)
	}
	return id, nil
}

// filterNode parses an optional --node flag for audit queries. Empty
// means "all nodes" and maps to uuid.Nil.
func filterNode(flagVal string) (uuid.UUID, error) {
	if flagVal == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(flagVal)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid node id %q: %w", flagVal, err)
	}
	return id, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
