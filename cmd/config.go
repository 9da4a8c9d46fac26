package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mdresolve/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and edit the configuration file",
	}
	cmd.AddCommand(
		newConfigInitCmd(opts),
		newConfigAddResolverCmd(opts),
		newConfigRemoveResolverCmd(opts),
	)
	return cmd
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config",
		Long: `Write a default configuration with commented examples of every resolver type
to --config, or to .mdresolve/config.yaml in the current directory.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.cfgFile
			if path == "" {
				path = config.LocalConfigPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigAddResolverCmd(opts *rootOptions) *cobra.Command {
	var (
		r        config.ResolverConfig
		keyGen   string
		failSoft bool
	)

	cmd := &cobra.Command{
		Use:   "add-resolver",
		Short: "Append a resolver to the config file",
		Long: `Append a resolver to the config file, keeping existing comments.

Examples:
  mdresolve config add-resolver --id federation --type http \
      --source https://metadata.example.org/federation.xml --backup-file /var/cache/fed.xml --index role
  mdresolve config add-resolver --id local --type file --source /etc/mdresolve/local.xml --watch
  mdresolve config add-resolver --id mdq --type dynamic-http --source https://mdq.example.org/ --key-generator mdq
  mdresolve config add-resolver --id all --type composite --member local --member federation --member mdq`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := opts.writablePath()
			if err != nil {
				return err
			}
			r.KeyGenerator.Type = keyGen
			if failSoft {
				ff := false
				r.FailFastInitialization = &ff
			}
			if err := config.AddResolver(path, r, opts.cfg.Resolvers); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added resolver %s to %s\n", r.ID, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&r.ID, "id", "", "resolver ID (required)")
	cmd.Flags().StringVar(&r.Type, "type", "", "file, http, dynamic-http, dynamic-local or composite (required)")
	cmd.Flags().StringVar(&r.Source, "source", "", "file path, URL, directory or MDQ base URL")
	cmd.Flags().StringVar(&r.BackupFile, "backup-file", "", "http only: file to serve when the source is unreachable at startup")
	cmd.Flags().BoolVar(&r.Watch, "watch", false, "file only: refresh when the file changes")
	cmd.Flags().StringArrayVar(&r.Members, "member", nil, "composite only: member resolver ID (repeatable, in query order)")
	cmd.Flags().StringArrayVar(&r.Indexes, "index", nil, "secondary index: role, artifact or endpoint (repeatable)")
	cmd.Flags().StringVar(&keyGen, "key-generator", "", "dynamic only: digest, identity, regex or mdq")
	cmd.Flags().BoolVar(&failSoft, "no-fail-fast", false, "start even when this resolver fails to load")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newConfigRemoveResolverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-resolver <id>",
		Short: "Remove a resolver from the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.writablePath()
			if err != nil {
				return err
			}
			if err := config.RemoveResolver(path, args[0], opts.cfg.Resolvers); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed resolver %s from %s\n", args[0], path)
			return nil
		},
	}
}

// writablePath is the config file edits go to.
func (o *rootOptions) writablePath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return "", errors.New("no config file found; run 'mdresolve config init' first")
}
