// nvrpc is a small command-line probe for the msgpack-RPC client: spawn an
// embedded Neovim (or dial a running one over its unix socket), issue one
// API call, print the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nvim-rpc/client"
	"nvim-rpc/middleware"
)

var (
	nvimPath string
	addr     string
	timeout  time.Duration
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "nvrpc",
	Short: "Probe a Neovim msgpack-RPC endpoint",
	Long: `nvrpc connects to a Neovim peer, either by spawning "nvim --embed"
as a subprocess or by dialing the unix socket a running instance advertises
in v:servername, and issues a single API call over msgpack-RPC.`,
	SilenceUsage: true,
}

var apiInfoCmd = &cobra.Command{
	Use:   "apiinfo",
	Short: "Print the peer's channel id and API metadata",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, cli *client.Client) error {
			info, err := cli.APIInfo(ctx)
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var commandCmd = &cobra.Command{
	Use:   "command <ex-command>",
	Short: "Execute an ex command on the peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, cli *client.Client) error {
			return cli.Command(ctx, args[0])
		})
	},
}

var inputCmd = &cobra.Command{
	Use:   "input <keys>",
	Short: "Queue raw keys on the peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, cli *client.Client) error {
			n, err := cli.Input(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%d\n", n)
			return nil
		})
	},
}

// withClient connects per the global flags, runs f under the call timeout,
// and asks a spawned peer to quit before tearing the connection down.
func withClient(f func(ctx context.Context, cli *client.Client) error) error {
	log := zap.NewNop()
	if verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()
	}

	opts := []client.Option{
		client.WithLogger(log),
		client.WithMiddleware(middleware.LoggingMiddleware(log)),
	}

	var (
		cli     *client.Client
		spawned bool
		err     error
	)
	if addr != "" {
		cli, err = client.Dial(addr, opts...)
	} else {
		spawned = true
		cli, err = client.Spawn(nvimPath, []string{"--embed"}, nil, opts...)
	}
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := f(ctx, cli); err != nil {
		return err
	}
	if spawned {
		return cli.Quit(ctx, true)
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nvimPath, "nvim", "nvim", "Path to the nvim binary to spawn")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Unix socket of a running instance (overrides spawning)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-call deadline")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log every send and transport event")
	rootCmd.AddCommand(apiInfoCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(inputCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
