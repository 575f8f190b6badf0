// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// mqttx-sub-demo wires a subscription.Service to a Redis durable store and,
// optionally, a memberlist cluster bus, and exercises the subscribe/search
// path against a handful of filters. It exists to demonstrate composing the
// packages in this module the way a broker's startup code would.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	rv8 "github.com/go-redis/redis/v8"

	"github.com/CarlKong/mqttx"
	"github.com/CarlKong/mqttx/clusterbus"
	"github.com/CarlKong/mqttx/clusterbus/gossip"
	"github.com/CarlKong/mqttx/store"
	redisstore "github.com/CarlKong/mqttx/store/redis"
	"github.com/CarlKong/mqttx/subscription"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address backing the durable store")
	configPath := flag.String("config", "", "optional YAML config file")
	clusterBind := flag.Int("cluster-bind-port", 0, "gossip bind port (0 = dynamic)")
	clusterMembers := flag.String("cluster-members", "", "comma-separated seed members to join")
	flag.Parse()

	level := new(slog.LevelVar)
	log_ := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	level.Set(slog.LevelInfo)

	opts, err := mqttx.OpenConfigFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if opts == nil {
		opts = &mqttx.Options{}
	}
	opts.EnsureDefaults()

	ctx := context.Background()

	ds, err := redisstore.Open(ctx, &redisstore.Options{
		Options: &rv8.Options{Addr: *redisAddr},
		Log:     log_,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer ds.Close()

	var bus clusterbus.Bus
	if opts.EnableCluster {
		bus, err = gossip.Open(gossip.Config{
			NodeName: opts.BrokerID,
			BindPort: *clusterBind,
			Members:  splitMembers(*clusterMembers),
			Log:      log_,
		})
		if err != nil {
			log.Fatal(err)
		}
		defer bus.Close()
	}

	svc, err := subscription.New(ctx, *opts, ds, bus, log_)
	if err != nil {
		log.Fatal(err)
	}

	demo(ctx, svc, log_)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

// demo installs a few representative subscriptions and runs the matching
// fan-out queries spec.md's end-to-end scenarios describe.
func demo(ctx context.Context, svc *subscription.Service, log_ *slog.Logger) {
	subs := []struct {
		clientID     string
		qos          byte
		filter       string
		cleanSession bool
		shareGroup   string
	}{
		{"device-1", 1, "sensors/+/temperature", true, ""},
		{"device-2", 0, "sensors/#", false, ""},
		{"worker-1", 1, "jobs/queue", false, "workers"},
		{"worker-2", 1, "jobs/queue", false, "workers"},
	}

	for _, sub := range subs {
		rec, err := mqttx.NewRecord(sub.clientID, sub.qos, sub.filter, sub.cleanSession, sub.shareGroup)
		if err != nil {
			log_.Error("invalid demo subscription", "clientId", sub.clientID, "error", err)
			continue
		}
		if err := svc.Subscribe(ctx, rec); err != nil {
			log_.Error("subscribe failed", "clientId", sub.clientID, "error", err)
		}
	}

	for _, topic := range []string{"sensors/rack1/temperature", "jobs/queue"} {
		matched, err := svc.SearchSubscribers(ctx, topic)
		if err != nil {
			log_.Error("search failed", "topic", topic, "error", err)
			continue
		}
		for _, rec := range matched {
			log_.Info("subscriber matched", "topic", topic, "clientId", rec.ClientID, "shareGroup", rec.ShareGroup)
		}
	}
}

func splitMembers(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

var _ store.DurableStore = (*redisstore.Store)(nil)
