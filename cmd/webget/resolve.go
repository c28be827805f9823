package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"asyncnet/resolver"
)

func init() {
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve HOST...",
	Short: "Look up the addresses of one or more hostnames",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveAll(cmd.Context(), res, cmd.OutOrStdout(), args)
	},
}

// resolveAll runs the lookups concurrently and prints one line per host in argument order.
func resolveAll(ctx context.Context, r *resolver.Resolver, out io.Writer, hosts []string) error {
	lines := make([]string, len(hosts))
	g, ctx := errgroup.WithContext(ctx)
	for i, host := range hosts {
		g.Go(func() error {
			status, addrs, err := r.Resolve(ctx, host)
			if err != nil {
				return fmt.Errorf("%s: %w", host, err)
			}
			if len(addrs) == 0 {
				lines[i] = fmt.Sprintf("%s\t%s", host, status)
			} else {
				lines[i] = fmt.Sprintf("%s\t%s", host, strings.Join(addrs, " "))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return nil
}
