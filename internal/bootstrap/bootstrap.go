// Package bootstrap manages the process lifecycle: listeners that survive
// zero-downtime binary upgrades (SIGHUP) and coordinated graceful
// shutdown on SIGINT/SIGTERM.
package bootstrap

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/sirupsen/logrus"
)

// GracePeriod is how long in-flight requests get to finish on shutdown.
// Pack transfers are long-lived, so this errs on the generous side.
const GracePeriod = time.Minute

// Bootstrap owns the upgradable listeners.
type Bootstrap struct {
	upgrader *tableflip.Upgrader
	logger   logrus.FieldLogger
}

// New prepares the upgrader and installs the SIGHUP handler that triggers
// binary upgrades.
func New(logger logrus.FieldLogger) (*Bootstrap, error) {
	upgrader, err := tableflip.New(tableflip.Options{
		UpgradeTimeout: time.Minute,
	})
	if err != nil {
		return nil, err
	}

	b := &Bootstrap{upgrader: upgrader, logger: logger}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			b.logger.Info("SIGHUP received, upgrading binary")
			if err := upgrader.Upgrade(); err != nil {
				b.logger.WithError(err).Error("binary upgrade failed")
			}
		}
	}()

	return b, nil
}

// Listen creates (or, after an upgrade, inherits) a listener.
func (b *Bootstrap) Listen(network, addr string) (net.Listener, error) {
	return b.upgrader.Listen(network, addr)
}

// Ready signals the parent process (if any) that this process has bound
// its listeners and the parent may exit.
func (b *Bootstrap) Ready() error {
	return b.upgrader.Ready()
}

// WaitForShutdown blocks until an upgrade hand-off or a termination
// signal asks this process to go away, then gracefully shuts down the
// given shutdown functions.
func (b *Bootstrap) WaitForShutdown(shutdown ...func(context.Context) error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-b.upgrader.Exit():
		b.logger.Info("binary upgrade complete, draining")
	case s := <-sig:
		b.logger.WithField("signal", s.String()).Info("shutdown signal received, draining")
	}

	ctx, cancel := context.WithTimeout(context.Background(), GracePeriod)
	defer cancel()

	for _, fn := range shutdown {
		if err := fn(ctx); err != nil {
			b.logger.WithError(err).Warn("graceful shutdown incomplete")
		}
	}
}

// Stop releases the upgrader's resources.
func (b *Bootstrap) Stop() {
	b.upgrader.Stop()
}
