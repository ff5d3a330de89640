package commands

import (
	"context"
	"errors"
	"os"

	"twinlink/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes the default configuration. An existing file is left untouched.
func RunInit(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.File()); err == nil {
		log.Fatalf("Config file %s already exists", cfg.File())
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to check config file: %v", err)
	}

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	log.Infof("Wrote %s config for %s to %s", cfg.Node.Role, cfg.Node.Device, cfg.File())
}
