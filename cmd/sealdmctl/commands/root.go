package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/sealdm/internal/account"
	"github.com/matheus3301/sealdm/internal/api"
)

const passwordEnv = "SEALDM_PASSWORD"

var (
	accountName string
	socketPath  string
	jsonOut     bool
	timeout     time.Duration
)

// Execute runs the sealdmctl command tree.
func Execute() error {
	root := &cobra.Command{
		Use:           "sealdmctl",
		Short:         "Control a running sealdm daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			accountName = account.Resolve(accountName)
			if err := account.ValidateName(accountName); err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = account.SocketPath(accountName)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&accountName, "account", "", "account name (overrides config default)")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket (default: inside the account dir)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(
		statusCmd(),
		keysCmd(),
		unlockCmd(),
		logoutCmd(),
		deviceCmd(),
		tokenCmd(),
		openCmd(),
		messagesCmd(),
		olderCmd(),
		sendCmd(),
		resendCmd(),
		editCmd(),
		deleteCmd(),
		readCmd(),
		retryDecryptCmd(),
		typingCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// withClient dials the daemon and runs fn under the call timeout.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, err := api.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for account %q: %w", accountName, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

// call is the common unary path: decode into out, or dump JSON when --json.
func call(method string, args map[string]any, out any, render func()) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		if jsonOut {
			reply, err := c.Call(ctx, method, args)
			if err != nil {
				return err
			}
			outputJSON(reply.AsMap())
			return nil
		}
		if err := c.CallInto(ctx, method, args, out); err != nil {
			return err
		}
		if render != nil {
			render()
		}
		return nil
	})
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func password(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	return "", fmt.Errorf("password required: pass --password or set %s", passwordEnv)
}
