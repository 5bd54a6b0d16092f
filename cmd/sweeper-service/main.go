// sweeper-service runs the auto clock-out sweep loop as a standalone worker,
// for deployments that keep background work out of the API containers.
// The Redis lease makes it safe to run alongside the gateway's built-in loop
// or additional replicas of this worker.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	REDIS_ADDRESS=... go run ./cmd/sweeper-service
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/sweeper"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	if db == nil {
		logger.Fatal("database not initialized. Set DB_* env vars.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"interval": config.SweepInterval().String(),
	}).Info("sweeper-service started")

	sweeper.New(db, logger).Run(ctx)

	logger.Info("sweeper-service stopped")
}
