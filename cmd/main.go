package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "jobrunner",
	Short: "MediaWiki job queue runner and reclaimer",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if verbose {
			logConfig = zap.NewDevelopmentConfig()
			logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		} else {
			logConfig = zap.NewProductionConfig()
		}
		var err error
		log, err = logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read config file",
					zap.String("config_file", configFile), zap.Error(err))
			}
			log.Info("Loaded config file", zap.String("config_file", configFile))
		}
	},
}

var (
	verbose    bool
	configFile string
	log        *zap.Logger
)

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&verbose, "verbose", false, "Verbose (debug) logging")
	persistentFlags.StringVar(&configFile, "config-file", "", "Path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
