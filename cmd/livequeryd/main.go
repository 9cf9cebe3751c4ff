// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command livequeryd runs a standalone engine instance against one
// Postgres connection, watching whatever SELECT statements are given
// on the command line and printing the change events they produce.
// It exists to exercise the engine end to end; real embedders
// construct engine.Engine directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/livequery/livequery/internal/config"
	"github.com/livequery/livequery/internal/engine"
	"github.com/livequery/livequery/internal/watch"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("livequeryd exited with error")
	}
}

func run() error {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	queries := pflag.Args()

	if err := cfg.Preflight(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if len(queries) == 0 {
		return fmt.Errorf("usage: livequeryd [flags] 'SELECT ...' ['SELECT ...' ...]")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := pgx.Connect(ctx, cfg.ConnString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	eng, err := engine.New(conn, cfg.IdentityContext())
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := eng.Start(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	for _, q := range queries {
		sub := eng.Watch(ctx, q)
		group.Go(func() error { return printEvents(ctx, sub) })
	}

	return group.Wait()
}

func printEvents(ctx context.Context, sub *watch.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			logEvent(ev)
		case <-ctx.Done():
			sub.Close()
			return nil
		}
	}
}

func logEvent(ev watch.Event) {
	switch ev.Kind {
	case watch.EventReady:
		log.Info("subscription ready")
	case watch.EventError:
		log.WithError(ev.Err).Warn("evaluation failed; will retry")
	case watch.EventChanges:
		for _, rec := range ev.Batch {
			data, _ := json.Marshal(rec.Data)
			log.WithFields(log.Fields{
				"op":   rec.Op.String(),
				"id":   rec.ID,
				"rn":   rec.RN,
				"data": string(data),
			}).Info("change")
		}
	}
}
