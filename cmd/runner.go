package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redisha"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/runner"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/sign"
	"go.uber.org/zap"
)

var runnerCmd = cobra.Command{
	Use:   "runner",
	Short: "Run the job dispatch daemon.",
	Long: "Runs the daemon that dispatches batches of ready jobs to the\n" +
		"job execution endpoint, one HTTP request per runner slot.\n" +
		"Running multiple runners against the same cluster is allowed.",
	Args: cobra.NoArgs,
	Run:  runRunner,
}

func init() {
	rootCmd.AddCommand(&runnerCmd)
}

func runRunner(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	conf := configFromEnv()
	if len(conf.Loops) == 0 {
		log.Fatal("No loops configured")
	}
	if conf.URL == "" {
		log.Fatal("Empty " + ConfDispatchURL)
	}
	// Connect to the aggregators.
	log.Info("Connecting to aggregators", zap.Strings(ConfAggrAddrs, conf.AggrSrvs))
	aggr := redisha.Dial(log.Named("aggr"), conf.AggrSrvs)
	defer func() {
		log.Info("Closing aggregator clients")
		if err := aggr.Close(); err != nil {
			log.Error("Failed to close aggregator clients", zap.Error(err))
		}
	}()
	// Fetch the request signing secret.
	secretFile := viper.GetString(ConfSecretFile)
	if secretFile == "" {
		log.Fatal("Empty " + ConfSecretFile)
	}
	secret, err := sign.FileSource{Path: secretFile}.Fetch(ctx, conf.Project)
	if err != nil {
		log.Fatal("Failed to fetch signing secret", zap.Error(err))
	}
	serveMetrics()
	// Spin up the daemon.
	cache := ready.NewCache(log.Named("ready"),
		func(ctx context.Context) (ready.Map, error) {
			return ready.Read(ctx, aggr)
		},
		viper.GetDuration(ConfReadyTTL))
	daemon := runner.Daemon{
		Log:   log,
		Conf:  conf,
		Cache: cache,
		Pool:  runner.NewPool(log.Named("pool"), conf, sign.NewSigner(secret)),
	}
	daemon.Init()
	log.Info("Starting runner daemon")
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Runner daemon failed", zap.Error(err))
	}
}
