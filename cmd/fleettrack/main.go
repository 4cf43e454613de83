package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fleettrack/internal/channel"
	"fleettrack/internal/config"
	"fleettrack/internal/daemon"
	"fleettrack/internal/logger"
	"fleettrack/internal/rest"
	"fleettrack/internal/session"
	"fleettrack/internal/tracking"
)

func main() {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := config.NewConfig()
	log := logger.New(*cfg)

	store := session.NewStore(cfg.Session.StatePath)

	client := rest.NewClient(log.Logger, cfg.Backend, nil)
	auth := session.NewAuthenticator(log.Logger, client, store)
	client.SetTokens(auth)
	client.SetRefresher(auth)

	restored, err := auth.Restore()
	if err != nil {
		log.WithError(err).Warn("could not restore session")
	}
	if restored {
		if sess, ok := auth.Current(); ok {
			log.WithUser(sess.User.ID, sess.User.Email).Info("session restored from disk")
		}
	}

	manager := channel.NewManager(log.Logger, cfg.Channel, cfg.Backend.SocketURL, auth)
	coordinator := tracking.NewCoordinator(log.Logger, cfg.Tracking, client, auth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channelSessionEvents, unsubChannel := auth.Subscribe()
	defer unsubChannel()
	go manager.WatchSession(ctx, channelSessionEvents)

	trackingSessionEvents, unsubTracking := auth.Subscribe()
	defer unsubTracking()
	go coordinator.WatchSession(ctx, trackingSessionEvents)

	frames, unsubFrames := manager.Subscribe()
	defer unsubFrames()

	daemons := daemon.NewManager(log.Logger)
	daemons.Add("event-pump", func(ctx context.Context) error {
		coordinator.Run(ctx, frames)
		return nil
	})
	daemons.Add("location-poll", daemon.Ticker(log.Logger, "location-poll",
		cfg.Tracking.LocationPollInterval, coordinator.PollLocations))
	daemons.Add("emergency-poll", daemon.Ticker(log.Logger, "emergency-poll",
		cfg.Tracking.EmergencyPollInterval, coordinator.PollEmergencies))
	daemons.Start(ctx)

	if restored {
		if err := manager.Connect(ctx); err != nil {
			log.Warn("realtime channel not started", "error", err)
		}
	}

	log.Info("fleettrack started", "environment", cfg.Environment)
	<-ctx.Done()

	manager.Disconnect()
	daemons.Wait()
	log.Info("fleettrack stopped")
}
