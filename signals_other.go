//go:build !unix

package main

import (
	"log/slog"

	"github.com/richardartoul/imgcache/cache"
)

func watchMemoryPressure(c *cache.Cache, logger *slog.Logger) (stop func()) {
	return func() {}
}
