// Command oxalis-worker is a reference worker binary demonstrating the
// Worker Runtime (spec §4.4): it self-reexecs as worker_num OS child
// processes, each running one transport's Runtime, with a demo echo
// task registered so `run` produces observable behavior out of the box. Real deployments embed the oxalis packages directly rather
// than depending on this binary.
package main

import (
	"fmt"
	"os"

	"github.com/ductile/oxalis/config"
	"github.com/ductile/oxalis/xlog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "oxalis-worker",
	Short:   "oxalis-worker runs a distributed task-execution worker",
	Long:    `oxalis-worker forks worker_num OS processes that connect to a transport, consume task deliveries, and execute registered tasks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("oxalis-worker version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional, defaults apply otherwise)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("transport", "amqp", "transport to run: amqp or logbroker")
	rootCmd.PersistentFlags().Int("worker-num", 0, "number of worker processes to fork (0 = host CPU count)")
	rootCmd.PersistentFlags().String("amqp-url", "", "AMQP connection URL, overrides config file")
	rootCmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka bootstrap brokers, overrides config file")
	rootCmd.PersistentFlags().String("kafka-group", "", "Kafka consumer group id, overrides config file")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address to serve Prometheus /metrics on (empty disables it), overrides config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	xlog.Init(xlog.Config{Level: xlog.Level(level), JSONOutput: jsonOut})
}

func loadConfig() (config.RuntimeConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	if v, _ := rootCmd.PersistentFlags().GetString("amqp-url"); v != "" {
		cfg.AMQP.URL = v
	}
	if v, _ := rootCmd.PersistentFlags().GetStringSlice("kafka-brokers"); len(v) > 0 {
		cfg.LogBroker.Brokers = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("kafka-group"); v != "" {
		cfg.LogBroker.GroupID = v
	}
	if v, _ := rootCmd.PersistentFlags().GetInt("worker-num"); v > 0 {
		cfg.WorkerNum = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg, nil
}
