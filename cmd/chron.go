package main

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/chron"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/reclaim"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redisha"
	"go.uber.org/zap"
)

var chronCmd = cobra.Command{
	Use:   "chron",
	Short: "Run the queue reclamation daemon.",
	Long: "Runs the daemon that recycles expired claims, abandons and prunes\n" +
		"dead jobs, promotes delayed jobs, and republishes the aggregator\n" +
		"ready map. The pool lock admits one instance per partition server.",
	Args: cobra.NoArgs,
	Run:  runChron,
}

func init() {
	rootCmd.AddCommand(&chronCmd)
}

func runChron(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	conf := configFromEnv()
	if len(conf.QueueSrvs) == 0 {
		log.Fatal("No partition servers configured")
	}
	log.Info("Connecting to aggregators", zap.Strings(ConfAggrAddrs, conf.AggrSrvs))
	aggr := redisha.Dial(log.Named("aggr"), conf.AggrSrvs)
	log.Info("Connecting to partitions", zap.Strings(ConfQueueAddrs, conf.QueueSrvs))
	parts := redisha.Dial(log.Named("part"), conf.QueueSrvs)
	defer func() {
		log.Info("Closing Redis clients")
		if err := aggr.Close(); err != nil {
			log.Error("Failed to close aggregator clients", zap.Error(err))
		}
		if err := parts.Close(); err != nil {
			log.Error("Failed to close partition clients", zap.Error(err))
		}
	}()
	serveMetrics()
	daemon := chron.Daemon{
		Log:    log,
		Conf:   conf,
		Aggr:   aggr,
		Parts:  parts,
		Script: reclaim.NewScript(),
		Rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	daemon.Init()
	log.Info("Starting chron daemon")
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Chron daemon failed", zap.Error(err))
	}
}
