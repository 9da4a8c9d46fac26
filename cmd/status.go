package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mdresolve/internal/app"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status [resolver]",
		Short: "Load every resolver once and report its state",
		Long: `Initialize the configured resolvers and print, per resolver, the entity count,
refresh history, metadata expiration and the computed next refresh.

A resolver that fails to load is reported rather than aborting, unless it is
configured with fail_fast_initialization.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := formatter(cmd, output)
			if err != nil {
				return err
			}

			a, err := opts.openApp(cmd.Context(), app.WithoutWatch())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			if len(args) == 1 {
				st, ok := a.ResolverStatus(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", app.ErrUnknownResolver, args[0])
				}
				return f.Format(st)
			}
			return f.Format(a.Status())
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}
