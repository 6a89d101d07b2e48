package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nci/gsky-s2/utils"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gsky-s2",
		Short: "Sentinel-2 cloud-free composites and spectral index time series",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			utils.LoadDotEnv()
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "conf", "c", "s2.yaml", "Processing config file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose mode for more outputs.")

	rootCmd.AddCommand(
		newCheckConfCommand(),
		newRunCommand(),
		newSeriesCommand(),
		newServeCommand(),
	)
	return rootCmd
}

// loadConfig reads the --conf file. Verbose mode may also be switched on
// from service_config.
func loadConfig() (*utils.Config, error) {
	config := &utils.Config{}
	if err := config.LoadConfigFile(configFile); err != nil {
		return nil, err
	}
	if config.ServiceConfig.Verbose && !verbose {
		verbose = true
		log.SetLevel(log.DebugLevel)
	}
	return config, nil
}

func newCheckConfCommand() *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "check-conf",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if dump {
				fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", *config)
			}
			log.Infof("%s OK", configFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "Print the config after defaults are applied.")
	return cmd
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
