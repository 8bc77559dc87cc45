// Package reload asks nginx to pick up a changed deny configuration.
package reload

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
)

// DefaultNginxBin is where a source-built nginx installs its binary.
const DefaultNginxBin = "/usr/local/nginx/sbin/nginx"

// Reloader runs "nginx -t" and "nginx -s reload".
type Reloader struct {
	bin        string
	testConfig bool
	run        command.Runner
	logger     *logrus.Logger
}

// New creates a reloader. A nil runner executes real commands.
func New(bin string, testConfig bool, run command.Runner, logger *logrus.Logger) *Reloader {
	if bin == "" {
		bin = DefaultNginxBin
	}
	if run == nil {
		run = command.Exec
	}
	return &Reloader{
		bin:        bin,
		testConfig: testConfig,
		run:        run,
		logger:     logger,
	}
}

// Binary returns the nginx executable in use.
func (r *Reloader) Binary() string {
	return r.bin
}

// Reload validates the configuration when enabled and signals nginx to
// reload it. A failed validation skips the reload.
func (r *Reloader) Reload(ctx context.Context) error {
	if r.testConfig {
		if _, err := r.run(ctx, r.bin, "-t"); err != nil {
			r.logger.WithError(err).Error("nginx configuration test failed, not reloading")
			return fmt.Errorf("failed to validate nginx configuration: %w", err)
		}
	}

	out, err := r.run(ctx, r.bin, "-s", "reload")
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload nginx")
		return fmt.Errorf("failed to reload nginx: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"binary": r.bin,
		"output": strings.TrimSpace(string(out)),
	}).Info("Reloaded nginx")
	return nil
}
