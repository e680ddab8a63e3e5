package cmd

import (
	"fmt"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// VERSION is set during build
	VERSION string
)

var (
	cfgFile  string
	verbose  bool
	logJSON  bool
	timeout  time.Duration
	region   string
	endpoint string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zipspy",
	Short: "Access ZIP archives in S3 without downloading the whole object",
	Long: `The zipspy CLI opens ZIP archives stored in S3 and lets you list,
extract, stream, and append members by issuing only the ranged reads
(and, for append, the writes) each operation actually needs.

	example:

		zipspy list -b myBucket -k myKey
		zipspy extract -b myBucket -k myKey -f plan.txt
		zipspy cat -b myBucket -k myKey -f plan.txt
		zipspy append -b myBucket -k myKey -i ./local/plan.txt -n plan.txt`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(version string) {
	VERSION = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.zipspy.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of text")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-operation timeout")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region (default: SDK default chain)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint override")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".zipspy")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("loaded config file")
	}

	if region == "" {
		region = viper.GetString("region")
	}
	if endpoint == "" {
		endpoint = viper.GetString("endpoint")
	}
}

// initLogging configures logrus per the --verbose/--log-json flags.
func initLogging() {
	if logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
