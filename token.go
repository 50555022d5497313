package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch a fresh token from the token endpoint",
		Long: `Request a new token from remote.token_url, replacing the cached one, and
print when it expires. The token itself is never printed.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
}

// tokenInfo is the JSON output of the token command.
type tokenInfo struct {
	Endpoint string    `json:"endpoint"`
	Expiry   time.Time `json:"expiry"`
	Cached   string    `json:"cache,omitempty"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	rem := newRemotes(cc.Cfg, cc.Logger)
	if rem.tokens == nil {
		return errors.New("remote.token_url is not configured")
	}

	tok, err := rem.tokens.Refresh(cmd.Context())
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	info := tokenInfo{
		Endpoint: cc.Cfg.Remote.TokenURL,
		Expiry:   tok.Expiry,
		Cached:   cc.Cfg.Remote.TokenCache,
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, info)
	}

	fmt.Fprintf(os.Stdout, "Token refreshed from %s\n", info.Endpoint)

	if info.Expiry.IsZero() {
		fmt.Fprintln(os.Stdout, "Expires: never")
	} else {
		fmt.Fprintf(os.Stdout, "Expires: %s (%s)\n",
			info.Expiry.Local().Format(time.RFC3339), formatTime(info.Expiry, time.Now()))
	}

	return nil
}
