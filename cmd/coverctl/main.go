// coverctl is the operator CLI for agentcover. It talks to the chain and
// the arbitration oracle directly, using the same environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/agentcover/internal/auth"
	"github.com/mbd888/agentcover/internal/chain"
	"github.com/mbd888/agentcover/internal/config"
	"github.com/mbd888/agentcover/internal/logging"
	"github.com/mbd888/agentcover/internal/riskscore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coverctl",
		Short:        "agentcover operator CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	riskCmd := &cobra.Command{
		Use:   "risk <tokenId>",
		Short: "Score an agent's insurance risk from on-chain reputation and stake",
		Args:  cobra.ExactArgs(1),
		RunE:  runRisk,
	}
	root.AddCommand(riskCmd)

	tokenCmd := &cobra.Command{
		Use:   "token <agentAddress>",
		Short: "Issue an API bearer token for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().String("secret", os.Getenv("JWT_SECRET"), "signing secret (default $JWT_SECRET)")
	tokenCmd.Flags().Duration("ttl", auth.DefaultTTL, "token lifetime")
	root.AddCommand(tokenCmd)

	root.AddCommand(newClaimCmd())
	return root
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.New(level, "text")
}

func parseTokenID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

func runRisk(cmd *cobra.Command, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RPCURL == "" || cfg.ReputationContract == "" || cfg.VaultContract == "" {
		return fmt.Errorf("RPC_URL, REPUTATION_CONTRACT and VAULT_CONTRACT are required")
	}

	c, err := chain.New(chain.Config{
		RPCURL:             cfg.RPCURL,
		ChainID:            cfg.ChainID,
		IdentityContract:   cfg.IdentityContract,
		ReputationContract: cfg.ReputationContract,
		VaultContract:      cfg.VaultContract,
		TokenContract:      cfg.TokenContract,
	}, chain.WithLogger(newLogger(cmd)))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	scorer := riskscore.NewScorer(c.Reputation(), c.Vault(), nil, newLogger(cmd))
	a, err := scorer.Assess(cmd.Context(), tokenID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), a)
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	m, err := auth.NewManager(secret, ttl)
	if err != nil {
		return err
	}
	token, exp, err := m.Issue(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"token":     token,
		"agent":     args[0],
		"expiresAt": exp.UTC().Format(time.RFC3339),
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
