//go:build unix

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardartoul/imgcache/cache"
)

// watchMemoryPressure clears the memory tier on SIGUSR1.
func watchMemoryPressure(c *cache.Cache, logger *slog.Logger) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigs:
				logger.Info("memory pressure signal received")
				c.ClearMemory()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
