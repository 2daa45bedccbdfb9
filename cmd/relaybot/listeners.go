package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	"relaybot/internal/admin"
	"relaybot/internal/breaker"
	"relaybot/internal/listener"

	"github.com/spf13/cobra"
)

func listenersCmd() *cobra.Command {
	var (
		adminURL string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "listeners",
		Short: "Inspect and recover listeners on a running server",
		Long:  "Talks to the admin API of a running 'relaybot serve'.",
	}
	cmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "admin API base URL (default: from config)")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")

	client := func() (*admin.Client, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base := adminURL
		if base == "" {
			base = "http://" + net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port))
		}
		return admin.NewClient(base, cfg.Admin.Token, 0), nil
	}

	// run wraps a client call and prints its result.
	run := func(call func(ctx context.Context, c *admin.Client) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := call(cmd.Context(), c)
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			printResult(res)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the health of every declared listener",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *admin.Client) (any, error) {
			return c.Status(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add [chat]",
		Short: "Declare a conversation and start listening to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *admin.Client) (any, error) {
				return c.Add(ctx, args[0])
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove [chat]",
		Short: "Stop listening to a conversation and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *admin.Client) (any, error) {
				return c.Remove(ctx, args[0])
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset [chat]",
		Short: "Tear down and re-create one listener",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *admin.Client) (any, error) {
				return c.Reset(ctx, args[0])
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Reset every unhealthy listener",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *admin.Client) (any, error) {
			return c.Refresh(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset-all",
		Short: "Close every window and re-create all listeners",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *admin.Client) (any, error) {
			return c.ResetAll(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "breaker",
		Short: "Show the upstream circuit breaker",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *admin.Client) (any, error) {
			return c.Breaker(ctx)
		}),
	})
	return cmd
}

func printResult(res any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := res.(type) {
	case listener.StatusReport:
		fmt.Fprintln(w, "CHAT\tSTATUS\tREASON")
		for _, e := range r.Listeners {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Chat, e.Status, e.Reason)
		}
		fmt.Fprintf(w, "\n%d healthy, %d unhealthy\n", r.Summary.Healthy, r.Summary.Unhealthy)
	case listener.Result:
		fmt.Fprintf(w, "%s %s\n", mark(r.Success), r.Message)
	case listener.ResetResult:
		printSteps(w, r.Steps)
		fmt.Fprintf(w, "%s %s\n", mark(r.Success), r.Message)
	case listener.RefreshReport:
		fmt.Fprintln(w, "CHAT\tBEFORE\tACTION\tAFTER")
		for _, e := range r.Listeners {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Chat, e.Before, e.Action, e.After)
		}
		fmt.Fprintf(w, "\n%d/%d ok, %d failed\n", r.SuccessCount, r.Total, r.FailCount)
	case listener.ResetAllReport:
		printSteps(w, r.Steps)
		for _, f := range r.Failed {
			fmt.Fprintf(w, "not recovered: %s\n", f)
		}
		fmt.Fprintf(w, "%s %s (closed %d windows)\n", mark(r.Success), r.Message, r.ClosedWindows)
	case breaker.State:
		state := "closed"
		if r.Open {
			state = "open"
		}
		fmt.Fprintf(w, "breaker %s: %d/%d failures, cooldown %s\n", state, r.Failures, r.Threshold, r.Cooldown)
	default:
		fmt.Fprintf(w, "%+v\n", r)
	}
}

func printSteps(w *tabwriter.Writer, steps []listener.Step) {
	for _, s := range steps {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", mark(s.Success), s.Name, s.Detail)
	}
}

func mark(ok bool) string {
	if ok {
		return "[OK]"
	}
	return "[FAIL]"
}
