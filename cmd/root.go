// Package cmd holds the mdresolve command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/presentation"
)

var version = "dev"

// rootOptions is the state shared by every subcommand of one invocation.
type rootOptions struct {
	cfgFile string
	logFile string
	debug   bool

	cfg        config.Config
	configPath string
	closeLog   func()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "mdresolve",
		Short: "Resolve and cache federated SAML metadata",
		Long: `mdresolve loads SAML metadata from files, URLs and per-entity (MDQ style)
sources, keeps it fresh on a schedule derived from validUntil and cacheDuration,
and answers lookups by entity ID, role, protocol, endpoint, artifact and entity
attributes from the command line or over HTTP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.closeLog != nil {
				opts.closeLog()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "",
		"config file (default: .mdresolve/config.yaml, then ~/.config/mdresolve/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "",
		`write the debug log to this file ("-" for stderr)`)
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false,
		"log at debug level (to stderr unless --log-file is set)")

	rootCmd.AddCommand(
		newResolveCmd(opts),
		newQueryCmd(opts),
		newStatusCmd(opts),
		newValidateCmd(),
		newServeCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// skipConfigAnnotation marks commands that run before a config file exists.
const skipConfigAnnotation = "mdresolve/skip-config"

func (o *rootOptions) load(cmd *cobra.Command) error {
	if _, skip := cmd.Annotations[skipConfigAnnotation]; skip {
		return nil
	}
	cfg, path, err := config.Load(viper.New(), o.cfgFile)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.configPath = path

	if cmd.Flags().Changed("log-file") {
		o.cfg.Log.File = o.logFile
	}
	level := log.ParseLevel(o.cfg.Log.Level)
	if o.debug {
		level = log.LevelDebug
		if o.cfg.Log.File == "" {
			o.cfg.Log.File = "-"
		}
	}

	switch o.cfg.Log.File {
	case "":
		log.SetEnabled(false)
	case "-":
		log.InitWriter(cmd.ErrOrStderr(), level)
	default:
		cleanup, err := log.Init(o.cfg.Log.File)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		log.SetMinLevel(level)
		o.closeLog = cleanup
	}
	log.Debug(log.CatConfig, "mdresolve starting", "version", version, "config", path)
	return nil
}

// openApp builds and initializes every configured resolver. The caller
// closes the returned app.
func (o *rootOptions) openApp(ctx context.Context, appOpts ...app.Option) (*app.App, error) {
	if len(o.cfg.Resolvers) == 0 {
		where := o.configPath
		if where == "" {
			where = "no config file found"
		}
		return nil, fmt.Errorf("no resolvers configured (%s); run 'mdresolve config init' to create a config", where)
	}
	a, err := app.New(o.cfg, appOpts...)
	if err != nil {
		return nil, err
	}
	if err := a.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing resolvers: %w", err)
	}
	return a, nil
}

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", presentation.FormatYAML, "output format: yaml or json")
}

func formatter(cmd *cobra.Command, output string) (*presentation.Formatter, error) {
	return presentation.NewFormatter(cmd.OutOrStdout(), strings.ToLower(output))
}

// Execute runs the root command
func Execute() error {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
}
