// Command faultclass trains and interprets the fault classifiers on a
// sensor CSV.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/senslab/faultclass/pipeline"
	"github.com/senslab/faultclass/pkg/errors"
	"github.com/senslab/faultclass/pkg/log"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "faultclass",
		Short: "Train and interpret fault-type classifiers on tabular sensor data",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.Setup(logLevel, logFormat)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "pretty", "log format (pretty or json)")

	cmd.AddCommand(runCommand())
	return cmd
}

func runCommand() *cobra.Command {
	var configFile string
	var cfg pipeline.Config

	cmd := &cobra.Command{
		Use:   "run -i dataFile [-o outputDir]",
		Short: "Run the full study: audit, split, train all four models, evaluate and explain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := mergeConfigFile(cmd, configFile, &cfg); err != nil {
					return err
				}
			}

			result, err := pipeline.Run(cfg)
			if err != nil {
				return err
			}

			for _, eval := range result.Evaluations {
				fmt.Printf("== %s ==\n%s\n", eval.Name, eval.Report)
				if eval.ValReport != "" {
					fmt.Printf("-- %s (validation) --\n%s\n", eval.Name, eval.ValReport)
				}
			}
			fmt.Printf("Decision tree:\n%s\n", result.TreeText)
			if result.BestParams != nil {
				fmt.Printf("Best boosting parameters: %v (CV accuracy %.4f)\n",
					result.BestParams, result.BestCVScore)
			}
			for _, le := range result.LocalExplanations {
				fmt.Printf("Local explanation (%s) for class %s:\n", le.Model, le.Explanation.ClassName)
				for _, c := range le.Explanation.Contributions {
					fmt.Printf("  %-40s %+.4f\n", c.Name, c.Weight)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfg.DataPath, "data-file", "i", "", "path of the sensor CSV")
	cmd.Flags().StringVarP(&cfg.OutputDir, "output-dir", "o", "", "directory for chart artifacts (optional)")
	cmd.Flags().StringVarP(&cfg.TargetColumn, "target-column", "t", "Type", "name of the fault label column")
	cmd.Flags().StringVar(&cfg.TimestampColumn, "timestamp-column", "", "name of the timestamp column (optional)")
	cmd.Flags().Uint64VarP(&cfg.Seed, "random-seed", "x", 42, "random seed")
	cmd.Flags().IntVarP(&cfg.Epochs, "num-epochs", "n", 50, "neural network training epochs")
	cmd.Flags().IntVarP(&cfg.BatchSize, "batch-size", "b", 32, "neural network batch size")
	cmd.Flags().IntVar(&cfg.ForestTrees, "forest-trees", 100, "number of random forest trees")
	cmd.Flags().IntVar(&cfg.LIMESamples, "lime-samples", 5000, "perturbed samples per local explanation")
	cmd.Flags().BoolVar(&cfg.GridSearch, "grid-search", true, "tune the boosted model over the hyperparameter grid")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file; flags set explicitly win")

	_ = cmd.MarkFlagRequired("data-file")
	return cmd
}

// mergeConfigFile fills cfg from a YAML file for every setting the user did
// not pass explicitly as a flag.
func mergeConfigFile(cmd *cobra.Command, path string, cfg *pipeline.Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FAULTCLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "reading config file")
	}

	set := func(flag string, apply func()) {
		if v.IsSet(flag) && !cmd.Flags().Changed(flagName(flag)) {
			apply()
		}
	}
	set("data_file", func() { cfg.DataPath = v.GetString("data_file") })
	set("output_dir", func() { cfg.OutputDir = v.GetString("output_dir") })
	set("target_column", func() { cfg.TargetColumn = v.GetString("target_column") })
	set("timestamp_column", func() { cfg.TimestampColumn = v.GetString("timestamp_column") })
	set("random_seed", func() { cfg.Seed = v.GetUint64("random_seed") })
	set("num_epochs", func() { cfg.Epochs = v.GetInt("num_epochs") })
	set("batch_size", func() { cfg.BatchSize = v.GetInt("batch_size") })
	set("forest_trees", func() { cfg.ForestTrees = v.GetInt("forest_trees") })
	set("lime_samples", func() { cfg.LIMESamples = v.GetInt("lime_samples") })
	set("grid_search", func() { cfg.GridSearch = v.GetBool("grid_search") })
	return nil
}

func flagName(configKey string) string {
	return strings.ReplaceAll(configKey, "_", "-")
}
