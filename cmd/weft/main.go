// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/weft/setup/config"
	"github.com/element-hq/weft/syncstore/client"
	"github.com/element-hq/weft/syncstore/storage"
	"github.com/element-hq/weft/syncstore/store"
)

func main() {
	configPath := flag.String("config", "weft.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}

	syncStore := store.NewStore(cfg.UserID)

	var snapshots storage.Snapshot
	var since string
	if cfg.DatabasePath != "" {
		snapshots, err = storage.Open(cfg.DatabasePath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open snapshot database")
		}
		defer snapshots.Close() // nolint: errcheck

		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rooms, lastSeen, position, err := snapshots.LoadSnapshot(loadCtx)
		cancel()
		if err != nil {
			logrus.WithError(err).Warn("Failed to load snapshot, starting empty")
		} else {
			syncStore.RestoreRooms(rooms)
			syncStore.RestoreLastSeenTimes(lastSeen)
			since = position
			logrus.WithFields(logrus.Fields{
				"rooms": len(rooms),
				"since": since,
			}).Info("Snapshot restored")
		}
	}

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logrus.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncClient := client.New(cfg.HomeserverURL, cfg.AccessToken, cfg.SyncTimeout(), syncStore)
	syncClient.SetSince(since)
	if err := syncClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Error("Sync loop terminated")
	}

	if snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := snapshots.SaveSnapshot(saveCtx, syncStore.Rooms(), syncStore.LastSeenTimes(), syncClient.Since())
		if err != nil {
			logrus.WithError(err).Error("Failed to save snapshot")
		}
	}
}
