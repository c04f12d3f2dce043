package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	cfgFile    string
	token      string
	caller     string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "settlectl",
	Short: "Command-line client for settlementd",
	Long: `settlectl drives a settlementd instance: speculative branches, their
settlement, and the intent ledger.

Mutating commands run as the identity bound to --token. Against a server
started without auth.jwt_secret, --caller names the identity instead.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.settlectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("settlectl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if caller == "" {
			caller = viper.GetString("caller")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.settlectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "settlementd URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token identifying the caller")
	rootCmd.PersistentFlags().StringVar(&caller, "caller", "", "Caller address for servers running without token auth")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON")

	rootCmd.AddCommand(tokenCmd, branchCmd, intentCmd, metricsCmd, journalCmd, eventsCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if caller != "" {
		opts = append(opts, client.WithDevCaller(caller))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUint(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an unsigned integer", what, s)
	}
	return n, nil
}

// parsePairs splits "a:1,b:2" style arguments into keys and numeric values.
func parsePairs(args []string, what string) ([]string, []uint64, error) {
	keys := make([]string, 0, len(args))
	vals := make([]uint64, 0, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, nil, fmt.Errorf("invalid pair %q: want <key>:<%s>", arg, what)
		}
		n, err := parseUint(v, what)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
		vals = append(vals, n)
	}
	return keys, vals, nil
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenIssuer  string
	tokenTTL     time.Duration
	tokenRoles   []string
	tokenSubject string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a caller token (operators holding auth.jwt_secret only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("jwt_secret")
		}
		issuer, err := identity.NewTokenIssuer(tokenSecret, tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		subject := identity.Address(tokenSubject)
		if !subject.Valid() {
			return fmt.Errorf("invalid subject %q", tokenSubject)
		}
		signed, err := issuer.Issue(subject, tokenRoles)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(signed)
		fmt.Fprintf(os.Stderr, "valid for %s\n", issuer.TTL())
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Caller address the token proves")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret (default jwt_secret from config)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "settlementd", "Token issuer; must match the server's auth.issuer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Informational role claim (repeatable)")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── branch ───────────────────────────────────────────────────────────────────

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Create, settle and inspect speculative branches",
}

var branchPayload string

var branchCreateCmd = &cobra.Command{
	Use:   "create <account> <nonce>",
	Short: "Register a pending branch",
	Long: `create registers a pending branch for <account> at <nonce>.

--payload is hashed to form the branch digest; pass --digest to supply a
precomputed 32-byte hex digest instead.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := parseUint(args[1], "nonce")
		if err != nil {
			return err
		}
		d, _ := cmd.Flags().GetString("digest")
		if d == "" {
			d = digest.Of([]byte(branchPayload)).Hex()
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.CreateBranch(context.Background(), args[0], nonce, d)
		if err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		if outputJSON {
			return printJSON(b)
		}
		fmt.Printf("✓ Branch %s/%d pending (digest %s)\n", b.Account, b.Nonce, b.PayloadDigest)
		return nil
	},
}

var branchSettleCmd = &cobra.Command{
	Use:   "settle <account> <nonce>",
	Short: "Settle an account on one pending branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := parseUint(args[1], "nonce")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		col, err := c.Settle(context.Background(), args[0], nonce)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		if outputJSON {
			return printJSON(col)
		}
		printCollapses([]client.Collapse{*col})
		return nil
	},
}

var branchBatchSettleCmd = &cobra.Command{
	Use:   "batch-settle <account>:<nonce> [<account>:<nonce>] ...",
	Short: "Settle several accounts atomically",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, nonces, err := parsePairs(args, "nonce")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		cols, err := c.BatchSettle(context.Background(), accounts, nonces)
		if err != nil {
			return fmt.Errorf("batch settle: %w", err)
		}
		if outputJSON {
			return printJSON(cols)
		}
		printCollapses(cols)
		return nil
	},
}

func printCollapses(cols []client.Collapse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSETTLED\tDISCARDED\tAT")
	for _, col := range cols {
		fmt.Fprintf(w, "%s\t%d\t%v\t%d\n", col.Account, col.ChosenNonce, col.Discarded, col.SettledAt)
	}
	_ = w.Flush()
}

var branchStateCmd = &cobra.Command{
	Use:   "state <account> <nonce>",
	Short: "Show one branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := parseUint(args[1], "nonce")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.GetBranch(context.Background(), args[0], nonce)
		if err != nil {
			return fmt.Errorf("get branch: %w", err)
		}
		if outputJSON {
			return printJSON(b)
		}
		fmt.Printf("Account:  %s\n", b.Account)
		fmt.Printf("Nonce:    %d\n", b.Nonce)
		fmt.Printf("State:    %s\n", b.State)
		fmt.Printf("Digest:   %s\n", b.PayloadDigest)
		fmt.Printf("Created:  %d\n", b.CreatedAt)
		if b.SettledAt != 0 {
			fmt.Printf("Settled:  %d\n", b.SettledAt)
		}
		return nil
	},
}

var branchAccountCmd = &cobra.Command{
	Use:   "account <account>",
	Short: "Show an account's settlement frontier and pending nonces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		a, err := c.GetAccount(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if outputJSON {
			return printJSON(a)
		}
		fmt.Printf("Account:       %s\n", a.Account)
		fmt.Printf("Last settled:  %d\n", a.LastSettledNonce)
		fmt.Printf("Pending:       %v\n", a.PendingNonces)
		return nil
	},
}

var branchAuthorizeCmd = &cobra.Command{
	Use:   "authorize <caller>",
	Short: "Allow (or with --revoke, disallow) a caller to act for other accounts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		revoke, _ := cmd.Flags().GetBool("revoke")
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.SetAuthorizedCaller(context.Background(), args[0], !revoke); err != nil {
			return fmt.Errorf("set authorized caller: %w", err)
		}
		fmt.Printf("✓ %s authorized=%t\n", args[0], !revoke)
		return nil
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchPayload, "payload", "", "Operation payload to hash")
	branchCreateCmd.Flags().String("digest", "", "Precomputed 32-byte hex payload digest")
	branchAuthorizeCmd.Flags().Bool("revoke", false, "Remove the caller from the allow-list")

	branchCmd.AddCommand(branchCreateCmd, branchSettleCmd, branchBatchSettleCmd,
		branchStateCmd, branchAccountCmd, branchAuthorizeCmd)
}

// ── intent ───────────────────────────────────────────────────────────────────

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Submit and process intents",
}

var intentSubmitCmd = &cobra.Command{
	Use:   "submit <payload> <nonce>",
	Short: "Submit an intent as the calling identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := parseUint(args[1], "nonce")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		id, err := c.SubmitIntent(context.Background(), []byte(args[0]), nonce)
		if err != nil {
			return fmt.Errorf("submit intent: %w", err)
		}
		if outputJSON {
			return printJSON(map[string]string{"id": id})
		}
		fmt.Printf("✓ Intent submitted\n\n  ID: %s\n", id)
		return nil
	},
}

var intentGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		in, err := c.GetIntent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get intent: %w", err)
		}
		return printIntent(in)
	},
}

var intentExecuteCmd = &cobra.Command{
	Use:   "execute <id> <volume>",
	Short: "Execute an intent (executor only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		volume, err := parseUint(args[1], "volume")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		in, err := c.ExecuteIntent(context.Background(), args[0], volume)
		if err != nil {
			return fmt.Errorf("execute intent: %w", err)
		}
		return printIntent(in)
	},
}

var intentBatchExecuteCmd = &cobra.Command{
	Use:   "batch-execute <id>:<volume> [<id>:<volume>] ...",
	Short: "Execute several intents atomically (executor only)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, volumes, err := parsePairs(args, "volume")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.BatchExecute(context.Background(), ids, volumes)
		if err != nil {
			return fmt.Errorf("batch execute: %w", err)
		}
		if outputJSON {
			return printJSON(res)
		}
		fmt.Printf("✓ Executed %d intent(s), volume %d\n", res.Count, res.TotalVolume)
		return nil
	},
}

var intentCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an intent (executor only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		in, err := c.CancelIntent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancel intent: %w", err)
		}
		return printIntent(in)
	},
}

func printIntent(in *client.Intent) error {
	if outputJSON {
		return printJSON(in)
	}
	status := "open"
	switch {
	case in.Executed:
		status = "executed"
	case in.Cancelled:
		status = "cancelled"
	}
	fmt.Printf("ID:         %s\n", in.ID)
	fmt.Printf("Submitter:  %s\n", in.Submitter)
	fmt.Printf("Nonce:      %d\n", in.AsyncNonce)
	fmt.Printf("Status:     %s\n", status)
	if in.Executed {
		fmt.Printf("Volume:     %d\n", in.Volume)
	}
	return nil
}

func init() {
	intentCmd.AddCommand(intentSubmitCmd, intentGetCmd, intentExecuteCmd, intentBatchExecuteCmd, intentCancelCmd)
}

// ── metrics / journal / events ───────────────────────────────────────────────

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show aggregate executed volume and count",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		m, err := c.AggregateMetrics(context.Background())
		if err != nil {
			return fmt.Errorf("aggregate metrics: %w", err)
		}
		if outputJSON {
			return printJSON(m)
		}
		fmt.Printf("Total volume:  %d\n", m.TotalVolume)
		fmt.Printf("Total count:   %d\n", m.TotalCount)
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the audit journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain of the audit journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.VerifyJournal(context.Background())
		if err != nil {
			return fmt.Errorf("verify journal: %w", err)
		}
		if outputJSON {
			return printJSON(st)
		}
		fmt.Printf("Entries:  %d\n", st.Entries)
		fmt.Printf("Root:     %s\n", st.Root)
		if !st.Valid {
			return fmt.Errorf("journal integrity check failed: %s", st.Error)
		}
		fmt.Println("✓ Chain valid")
		return nil
	},
}

func init() {
	journalCmd.AddCommand(journalVerifyCmd)
}

var (
	eventsAfter uint64
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List event records after a sequence cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		records, next, err := c.Events(context.Background(), eventsAfter, eventsLimit)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if outputJSON {
			return printJSON(map[string]any{"records": records, "next": next})
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tKIND\tPAYLOAD")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.Seq, r.Kind, r.Payload)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nnext cursor: %d\n", next)
		return nil
	},
}

func init() {
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "Return records with a sequence number above this cursor")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Maximum number of records")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the settlectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("settlectl %s\n", version)
	},
}
