package main

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
	"go.uber.org/zap"
)

// Config keys.
const (
	ConfAggrAddrs  = "aggregators.addrs"
	ConfQueueAddrs = "partitions.addrs"

	ConfLoops = "loops"

	ConfClaimTTL = "claim_ttl"
	ConfAttempts = "attempts"

	ConfHpMaxDelay = "priority.hp_max_delay"
	ConfLpMaxDelay = "priority.lp_max_delay"
	ConfHpMaxTime  = "dispatch.hp_max_time"
	ConfLpMaxTime  = "dispatch.lp_max_time"

	ConfDispatchURL  = "dispatch.url"
	ConfWikis        = "wikis"
	ConfReadyTTL     = "dispatch.ready_cache_ttl"
	ConfProject      = "signing.project"
	ConfSecretFile   = "signing.secret_file"
	ConfReclaimBatch = "chron.reclaim_batch"
	ConfPruneTTL     = "chron.prune_ttl"

	ConfMetricsAddr = "metrics.addr"
)

func init() {
	initDefaults()
}

func initDefaults() {
	viper.SetDefault(ConfAggrAddrs, []string{"localhost:6379"})
	viper.SetDefault(ConfQueueAddrs, []string{"localhost:6379"})

	viper.SetDefault(ConfClaimTTL, map[string]interface{}{"*": "1h"})
	viper.SetDefault(ConfAttempts, map[string]interface{}{"*": 3})

	viper.SetDefault(ConfHpMaxDelay, topology.DefaultConfig.HpMaxDelay)
	viper.SetDefault(ConfLpMaxDelay, topology.DefaultConfig.LpMaxDelay)
	viper.SetDefault(ConfHpMaxTime, topology.DefaultConfig.HpMaxTime)
	viper.SetDefault(ConfLpMaxTime, topology.DefaultConfig.LpMaxTime)

	viper.SetDefault(ConfDispatchURL, "")
	viper.SetDefault(ConfReadyTTL, time.Second)
	viper.SetDefault(ConfProject, "")
	viper.SetDefault(ConfSecretFile, "")
	viper.SetDefault(ConfReclaimBatch, topology.DefaultConfig.ReclaimBatch)
	viper.SetDefault(ConfPruneTTL, topology.DefaultConfig.PruneTTL)

	viper.SetDefault(ConfMetricsAddr, "")
}

// configFromEnv assembles the deployment topology from viper.
func configFromEnv() *topology.Config {
	conf := topology.DefaultConfig
	conf.AggrSrvs = viper.GetStringSlice(ConfAggrAddrs)
	conf.QueueSrvs = viper.GetStringSlice(ConfQueueAddrs)
	conf.ClaimTTLMap = claimTTLFromEnv()
	conf.AttemptsMap = attemptsFromEnv()
	conf.HpMaxDelay = viper.GetDuration(ConfHpMaxDelay)
	conf.LpMaxDelay = viper.GetDuration(ConfLpMaxDelay)
	conf.HpMaxTime = viper.GetDuration(ConfHpMaxTime)
	conf.LpMaxTime = viper.GetDuration(ConfLpMaxTime)
	conf.URL = viper.GetString(ConfDispatchURL)
	conf.Wikis = viper.GetStringMapString(ConfWikis)
	conf.Project = viper.GetString(ConfProject)
	conf.ReclaimBatch = viper.GetInt(ConfReclaimBatch)
	conf.PruneTTL = viper.GetDuration(ConfPruneTTL)
	conf.Loops = loopsFromEnv()
	return &conf
}

// loopsFromEnv reads the loop map in stable name order.
func loopsFromEnv() []*topology.Loop {
	loopMap := viper.GetStringMap(ConfLoops)
	names := make([]string, 0, len(loopMap))
	for name := range loopMap {
		names = append(names, name)
	}
	sort.Strings(names)
	loops := make([]*topology.Loop, 0, len(names))
	for _, name := range names {
		sub := viper.Sub(ConfLoops + "." + name)
		if sub == nil {
			continue
		}
		runners := sub.GetInt("runners")
		if runners <= 0 {
			runners = 1
		}
		loops = append(loops, &topology.Loop{
			Name:        name,
			Runners:     runners,
			Include:     sub.GetStringSlice("include"),
			Exclude:     sub.GetStringSlice("exclude"),
			LowPriority: sub.GetStringSlice("low_priority"),
		})
	}
	return loops
}

func claimTTLFromEnv() map[string]time.Duration {
	raw := viper.GetStringMapString(ConfClaimTTL)
	ttls := make(map[string]time.Duration, len(raw))
	for typ, s := range raw {
		ttl, err := time.ParseDuration(s)
		if err != nil {
			log.Fatal("Invalid claim TTL",
				zap.String("type", typ), zap.String("value", s))
		}
		ttls[typ] = ttl
	}
	return ttls
}

func attemptsFromEnv() map[string]int {
	raw := viper.GetStringMap(ConfAttempts)
	attempts := make(map[string]int, len(raw))
	for typ := range raw {
		attempts[typ] = viper.GetInt(ConfAttempts + "." + typ)
	}
	return attempts
}

// serveMetrics exposes the Prometheus handler when metrics.addr is set.
func serveMetrics() {
	addr := viper.GetString(ConfMetricsAddr)
	if addr == "" {
		return
	}
	log.Info("Serving metrics", zap.String(ConfMetricsAddr, addr))
	go func() {
		if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
			log.Error("Metrics listener failed", zap.Error(err))
		}
	}()
}
