package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spachava753/datastep/internal/version"
	"github.com/spachava753/datastep/pkg/config"
	"github.com/spachava753/datastep/pkg/step"
)

type rootFlags struct {
	configPath      string
	stepName        string
	logLevel        string
	envFile         string
	filepathColumns []string
	metadataColumns []string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	root := &cobra.Command{
		Use:           "datastep",
		Short:         "Stage, push and check out versioned step data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogger(cmd, f.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "workflow config file (default: $WORKFLOW_CONFIG, then ./workflow_config.json)")
	root.PersistentFlags().StringVar(&f.stepName, "step", "", "name of the step to operate on")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", "", "dotenv file with extra environment variables")
	root.PersistentFlags().StringSliceVar(&f.filepathColumns, "filepath-columns", nil, "manifest columns holding file paths (default: as recorded by the last run, else filepath)")
	root.PersistentFlags().StringSliceVar(&f.metadataColumns, "metadata-columns", nil, "manifest columns pushed as file metadata (default: as recorded by the last run)")

	root.AddCommand(
		newConfigCmd(f),
		newCheckoutCmd(f),
		newPushCmd(f),
		newCleanCmd(f),
		newVersionCmd(),
	)
	return root
}

func setupLogger(cmd *cobra.Command, level string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	slog.SetDefault(slog.New(logger))
	return nil
}

// environment snapshots the process environment and adds variables from the
// env file that are not already set.
func (f *rootFlags) environment() (config.Environment, error) {
	env, err := config.CurrentEnvironment()
	if err != nil {
		return config.Environment{}, err
	}
	if f.envFile == "" {
		return env, nil
	}
	vars, err := godotenv.Read(f.envFile)
	if err != nil {
		return config.Environment{}, fmt.Errorf("reading env file %s: %w", f.envFile, err)
	}
	for k, v := range vars {
		if _, ok := env.Vars[k]; !ok {
			env.Vars[k] = v
		}
	}
	slog.Debug("loaded env file", "path", f.envFile, "vars", len(vars))
	return env, nil
}

func (f *rootFlags) source() config.Source {
	if f.configPath == "" {
		return nil
	}
	return config.FromFile(f.configPath)
}

// newStep builds a step over the staged data of stepName. The init record of
// the run that staged it is left as is.
func (f *rootFlags) newStep(cmd *cobra.Command) (*step.Step, error) {
	if f.stepName == "" {
		return nil, fmt.Errorf("--step is required")
	}
	env, err := f.environment()
	if err != nil {
		return nil, err
	}
	opts := []step.Option{
		step.WithName(f.stepName),
		step.WithEnvironment(env),
		step.WithoutInitRecord(),
	}
	if cmd.Flags().Changed("filepath-columns") {
		opts = append(opts, step.WithFilepathColumns(f.filepathColumns...))
	}
	if cmd.Flags().Changed("metadata-columns") {
		opts = append(opts, step.WithMetadataColumns(f.metadataColumns...))
	}
	if src := f.source(); src != nil {
		opts = append(opts, step.WithConfig(src))
	}
	return step.New(step.NopRunner{}, opts...)
}

func newConfigCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved workflow config for a step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.stepName == "" {
				return fmt.Errorf("--step is required")
			}
			env, err := f.environment()
			if err != nil {
				return err
			}
			cfg, err := config.Resolve(f.source(), f.stepName, env)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newCheckoutCmd(f *rootFlags) *cobra.Command {
	var opts step.CheckoutOptions
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Fetch pushed data for a step into its staging directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := f.newStep(cmd)
			if err != nil {
				return err
			}
			if err := st.Checkout(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.StagingDir())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.DataVersion, "version", "", "top hash to check out (default: latest)")
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "registry to read from (default: configured bucket)")
	return cmd
}

func newPushCmd(f *rootFlags) *cobra.Command {
	var opts step.PushOptions
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push the staged data of the last run of a step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := f.newStep(cmd)
			if err != nil {
				return err
			}
			topHash, err := st.Push(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), topHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "registry to push to (default: configured bucket)")
	return cmd
}

func newCleanCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove everything in a step's staging directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := f.newStep(cmd)
			if err != nil {
				return err
			}
			return st.Clean()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the datastep version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
