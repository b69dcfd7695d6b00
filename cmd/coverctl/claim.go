package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/arbitration"
	"github.com/mbd888/agentcover/internal/config"
	"github.com/mbd888/agentcover/internal/idgen"
	"github.com/mbd888/agentcover/internal/retry"
)

func newClaimCmd() *cobra.Command {
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Talk to the arbitration oracle directly",
	}
	claimCmd.PersistentFlags().String("provider", "", "oracle provider, uma or kleros (default $ORACLE_PROVIDER)")

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a claim and print the oracle request id",
		Args:  cobra.NoArgs,
		RunE:  runClaimSubmit,
	}
	submitCmd.Flags().Uint64("token", 0, "insured agent token id")
	submitCmd.Flags().String("merchant", "", "merchant address")
	submitCmd.Flags().String("amount", "", "claimed amount as a decimal token amount")
	submitCmd.Flags().String("reason", "", "reason for the claim")
	submitCmd.Flags().String("evidence", "", "path to a JSON evidence file")
	submitCmd.Flags().String("id", "", "claim id sent as the idempotency key (default random)")
	_ = submitCmd.MarkFlagRequired("token")
	_ = submitCmd.MarkFlagRequired("merchant")
	_ = submitCmd.MarkFlagRequired("amount")
	claimCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status <requestId>",
		Short: "Fetch the oracle's current view of a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runClaimStatus,
	}
	claimCmd.AddCommand(statusCmd)

	pollCmd := &cobra.Command{
		Use:   "poll <requestId>",
		Short: "Poll a request until it resolves or the attempts run out",
		Args:  cobra.ExactArgs(1),
		RunE:  runClaimPoll,
	}
	pollCmd.Flags().Int("attempts", 0, "maximum polls (default per provider)")
	pollCmd.Flags().Duration("interval", 0, "delay between polls (default per provider)")
	claimCmd.AddCommand(pollCmd)

	disputeCmd := &cobra.Command{
		Use:   "dispute <requestId>",
		Short: "Challenge a request's outcome",
		Args:  cobra.ExactArgs(1),
		RunE:  runClaimDispute,
	}
	disputeCmd.Flags().String("disputant", "", "address raising the dispute")
	disputeCmd.Flags().String("evidence", "", "path to a JSON evidence file")
	_ = disputeCmd.MarkFlagRequired("disputant")
	claimCmd.AddCommand(disputeCmd)

	return claimCmd
}

func newResolver(cmd *cobra.Command) (arbitration.Resolver, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if p, _ := cmd.Flags().GetString("provider"); p != "" {
		cfg.OracleProvider = p
	}
	if cfg.OracleURL() == "" {
		return nil, fmt.Errorf("no oracle URL configured for %s", cfg.OracleProvider)
	}
	return arbitration.New(cfg.OracleProvider, arbitration.Config{
		BaseURL: cfg.OracleURL(),
		APIKey:  cfg.OracleAPIKey,
		ChainID: cfg.ChainID,
		Retry: retry.Policy{
			MaxAttempts: cfg.OracleRetryAttempts,
			Delay:       cfg.OracleRetryDelay,
			Backoff:     retry.ParseBackoff(cfg.OracleBackoff),
		},
		Logger: newLogger(cmd),
	})
}

func readEvidence(path string) (any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("evidence file is not valid JSON: %w", err)
	}
	return v, nil
}

func runClaimSubmit(cmd *cobra.Command, _ []string) error {
	tokenID, _ := cmd.Flags().GetUint64("token")
	merchant, _ := cmd.Flags().GetString("merchant")
	amt, _ := cmd.Flags().GetString("amount")
	reason, _ := cmd.Flags().GetString("reason")
	evidencePath, _ := cmd.Flags().GetString("evidence")
	claimID, _ := cmd.Flags().GetString("id")

	if v, ok := amount.Parse(amt); !ok || v.Sign() <= 0 {
		return fmt.Errorf("invalid amount %q", amt)
	}
	evidence, err := readEvidence(evidencePath)
	if err != nil {
		return err
	}
	if claimID == "" {
		claimID = idgen.WithPrefix("clm_")
	}

	r, err := newResolver(cmd)
	if err != nil {
		return err
	}
	requestID, err := r.SubmitClaim(cmd.Context(), arbitration.ClaimRequest{
		ClaimID:  claimID,
		TokenID:  tokenID,
		Merchant: merchant,
		Amount:   amt,
		Reason:   reason,
		Evidence: evidence,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]string{
		"provider":  r.Provider(),
		"claimId":   claimID,
		"requestId": requestID,
	})
}

func runClaimStatus(cmd *cobra.Command, args []string) error {
	r, err := newResolver(cmd)
	if err != nil {
		return err
	}
	res, err := r.GetClaimStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runClaimPoll(cmd *cobra.Command, args []string) error {
	attempts, _ := cmd.Flags().GetInt("attempts")
	interval, _ := cmd.Flags().GetDuration("interval")

	r, err := newResolver(cmd)
	if err != nil {
		return err
	}
	res, err := r.PollForResolution(cmd.Context(), args[0], arbitration.PollOptions{
		MaxAttempts: attempts,
		Delay:       interval,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runClaimDispute(cmd *cobra.Command, args []string) error {
	disputant, _ := cmd.Flags().GetString("disputant")
	evidencePath, _ := cmd.Flags().GetString("evidence")
	evidence, err := readEvidence(evidencePath)
	if err != nil {
		return err
	}

	r, err := newResolver(cmd)
	if err != nil {
		return err
	}
	disputeID, err := r.Dispute(cmd.Context(), args[0], disputant, evidence)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]string{
		"provider":  r.Provider(),
		"requestId": args[0],
		"disputeId": disputeID,
	})
}
