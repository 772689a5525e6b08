package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/internal/grpcserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagLedgerAddr     = "ledger-addr"
	flagLedgerInsecure = "ledger-insecure"
	flagLedgerTimeout  = "ledger-timeout"
	flagAccount        = "account"
	flagAmount         = "amount"
	flagItem           = "item"
	flagPackage        = "package"
	flagPaymentMethod  = "payment-method"
	flagAttempt        = "attempt"
	flagLimit          = "limit"
	flagBefore         = "before"
	envPrefix          = "GEMCTL"

	defaultLedgerAddr    = "localhost:7000"
	defaultLedgerTimeout = 5 * time.Second
)

type clientConfig struct {
	LedgerAddress  string
	LedgerInsecure bool
	LedgerTimeout  time.Duration
	AccountID      string
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gemctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "gemctl",
		Short:         "Command-line client for gemledgerd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagLedgerAddr, defaultLedgerAddr, "gemledgerd gRPC address")
	cmd.PersistentFlags().Bool(flagLedgerInsecure, false, "connect without TLS")
	cmd.PersistentFlags().Duration(flagLedgerTimeout, defaultLedgerTimeout, "RPC timeout")
	cmd.PersistentFlags().String(flagAccount, "", "account id (required)")

	cmd.AddCommand(
		newAmountCommand(cfg, "credit", "Add gems to an account", grpcserver.MethodCredit),
		newAmountCommand(cfg, "debit", "Remove gems from an account", grpcserver.MethodDebit),
		newAccountCommand(cfg, "balance", "Read an account balance", grpcserver.MethodReadBalance),
		newAccountCommand(cfg, "inventory", "List owned items", grpcserver.MethodInventory),
		newItemCommand(cfg, "grant", "Grant an item without charging", grpcserver.MethodGrant),
		newItemCommand(cfg, "owns", "Check item ownership", grpcserver.MethodOwns),
		newAuditCommand(cfg),
		newPurchaseCommand(cfg),
		newResumeCommand(cfg),
		newTopUpCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *clientConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagLedgerAddr, flagLedgerInsecure, flagLedgerTimeout, flagAccount} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.LedgerAddress = strings.TrimSpace(v.GetString(flagLedgerAddr))
	cfg.LedgerInsecure = v.GetBool(flagLedgerInsecure)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	cfg.AccountID = strings.TrimSpace(v.GetString(flagAccount))
	if cfg.LedgerAddress == "" {
		return fmt.Errorf("%s is required", flagLedgerAddr)
	}
	if cfg.LedgerTimeout <= 0 {
		return fmt.Errorf("%s must be positive", flagLedgerTimeout)
	}
	if cfg.AccountID == "" {
		return fmt.Errorf("%s is required", flagAccount)
	}
	return nil
}

func newAmountCommand(cfg *clientConfig, use string, short string, method string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetInt64(flagAmount)
			return invoke(cmd, cfg, method, map[string]any{"amount": amount})
		},
	}
	cmd.Flags().Int64(flagAmount, 0, "gem amount (positive)")
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func newAccountCommand(cfg *clientConfig, use string, short string, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, cfg, method, map[string]any{})
		},
	}
}

func newItemCommand(cfg *clientConfig, use string, short string, method string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, _ := cmd.Flags().GetString(flagItem)
			return invoke(cmd, cfg, method, map[string]any{"item_id": itemID})
		},
	}
	cmd.Flags().String(flagItem, "", "item id")
	_ = cmd.MarkFlagRequired(flagItem)
	return cmd
}

func newAuditCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt(flagLimit)
			before, _ := cmd.Flags().GetInt64(flagBefore)
			request := map[string]any{"limit": limit}
			if before > 0 {
				request["before_unix_utc"] = before
			}
			return invoke(cmd, cfg, grpcserver.MethodListAudit, request)
		},
	}
	cmd.Flags().Int(flagLimit, 50, "page size")
	cmd.Flags().Int64(flagBefore, 0, "only records created before this unix time")
	return cmd
}

func newPurchaseCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Buy an item with AquaGems",
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, _ := cmd.Flags().GetString(flagItem)
			return invoke(cmd, cfg, grpcserver.MethodPurchase, map[string]any{"item_id": itemID})
		},
	}
	cmd.Flags().String(flagItem, "", "item id")
	_ = cmd.MarkFlagRequired(flagItem)
	return cmd
}

func newResumeCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Retry the entitlement of a pending purchase",
		RunE: func(cmd *cobra.Command, args []string) error {
			attemptID, _ := cmd.Flags().GetString(flagAttempt)
			return invoke(cmd, cfg, grpcserver.MethodResumePurchase, map[string]any{"attempt_id": attemptID})
		},
	}
	cmd.Flags().String(flagAttempt, "", "purchase attempt id")
	_ = cmd.MarkFlagRequired(flagAttempt)
	return cmd
}

func newTopUpCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Buy a gem package with an external payment method",
		RunE: func(cmd *cobra.Command, args []string) error {
			packageID, _ := cmd.Flags().GetString(flagPackage)
			method, _ := cmd.Flags().GetString(flagPaymentMethod)
			return invoke(cmd, cfg, grpcserver.MethodTopUp, map[string]any{"package_id": packageID, "payment_method": method})
		},
	}
	cmd.Flags().String(flagPackage, "", "top-up package id")
	cmd.Flags().String(flagPaymentMethod, "gcash", "gcash, paymaya or card")
	_ = cmd.MarkFlagRequired(flagPackage)
	return cmd
}

func invoke(cmd *cobra.Command, cfg *clientConfig, method string, request map[string]any) error {
	conn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.LedgerTimeout)
	defer cancel()

	request["account_id"] = cfg.AccountID
	response, err := grpcserver.NewClient(conn).Call(ctx, method, request)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return printJSON(cmd, response)
}

func dial(cfg *clientConfig) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if cfg.LedgerInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(cfg.LedgerAddress, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return conn, nil
}

func printJSON(cmd *cobra.Command, payload map[string]any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
