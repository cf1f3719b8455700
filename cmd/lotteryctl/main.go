// Package main implements lotteryctl, a command line client for lotteryd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/lottery_engine/internal/httputil"
	"github.com/R3E-Network/lottery_engine/internal/middleware"
)

type options struct {
	server       string
	token        string
	serviceToken string
	participant  string
	timeout      time.Duration
	out          io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	rootCmd := &cobra.Command{
		Use:           "lotteryctl",
		Short:         "Command line client for the lottery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("LOTTERY_SERVER", "http://localhost:8080"), "lotteryd base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("LOTTERY_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&opts.serviceToken, "service-token", os.Getenv("LOTTERY_SERVICE_TOKEN"), "Service token for oracle callbacks")
	rootCmd.PersistentFlags().StringVarP(&opts.participant, "participant", "p", os.Getenv("LOTTERY_PARTICIPANT"), "Participant, when the server runs without auth")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(
		statusCmd(opts),
		buyCmd(opts),
		ticketsCmd(opts),
		revealCmd(opts),
		claimCmd(opts),
		roundCmd(opts),
		upkeepCmd(opts),
		cancelCmd(opts),
		payoutsCmd(opts),
		withdrawCmd(opts),
		fulfillCmd(opts),
		tokenCmd(opts),
	)
	return rootCmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current round, balance and ticket fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd.Context(), "/lottery")
		},
	}
}

func buyCmd(opts *options) *cobra.Command {
	var count uint64
	var stake string
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy tickets in the current round",
		Long: `Buy tickets in the current round. Without --stake the client pays
exactly count times the current ticket fee.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"count": count}
			if stake != "" {
				body["stake"] = stake
			}
			if opts.participant != "" {
				body["participant"] = opts.participant
			}
			return opts.post(cmd.Context(), "/tickets", body)
		},
	}
	cmd.Flags().Uint64VarP(&count, "count", "n", 1, "Number of tickets")
	cmd.Flags().StringVar(&stake, "stake", "", "Amount paid in base units")
	return cmd
}

func ticketsCmd(opts *options) *cobra.Command {
	var round uint64
	cmd := &cobra.Command{
		Use:   "tickets [participant]",
		Short: "List a participant's tickets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.participant
			if len(args) == 1 {
				p = args[0]
			}
			if p == "" {
				return fmt.Errorf("participant required")
			}
			path := "/participants/" + p + "/tickets"
			if round > 0 {
				path += "?round=" + strconv.FormatUint(round, 10)
			}
			return opts.get(cmd.Context(), path)
		},
	}
	cmd.Flags().Uint64Var(&round, "round", 0, "Resolved round (default current)")
	return cmd
}

func revealCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reveal ROUND",
		Short: "Credit lower-tier prizes for a resolved round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid round %q", args[0])
			}
			return opts.post(cmd.Context(), "/rounds/"+args[0]+"/reveal", opts.participantBody())
		},
	}
}

func claimCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim all pending rewards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.post(cmd.Context(), "/rewards/claim", opts.participantBody())
		},
	}
}

func roundCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "round [ROUND]",
		Short: "Show a round, or the current round",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return opts.get(cmd.Context(), "/rounds/current")
			}
			return opts.get(cmd.Context(), "/rounds/"+args[0])
		},
	}
}

func upkeepCmd(opts *options) *cobra.Command {
	var perform bool
	cmd := &cobra.Command{
		Use:   "upkeep",
		Short: "Check, or with --perform trigger, round settlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if perform {
				return opts.post(cmd.Context(), "/admin/upkeep", nil)
			}
			return opts.get(cmd.Context(), "/admin/upkeep")
		},
	}
	cmd.Flags().BoolVar(&perform, "perform", false, "Request randomness if the round is due")
	return cmd
}

func cancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-settlement",
		Short: "Reopen a round whose randomness request timed out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.post(cmd.Context(), "/admin/settlement/cancel", nil)
		},
	}
}

func payoutsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "payouts [participant]",
		Short: "Show a participant's bank balance and transactions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.participant
			if len(args) == 1 {
				p = args[0]
			}
			if p == "" {
				return fmt.Errorf("participant required")
			}
			return opts.get(cmd.Context(), "/participants/"+p+"/payouts?limit="+strconv.Itoa(limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum transactions")
	return cmd
}

func withdrawCmd(opts *options) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Withdraw paid-out rewards to an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			body := map[string]any{"amount": args[0], "address": address}
			if opts.participant != "" {
				body["participant"] = opts.participant
			}
			return opts.post(cmd.Context(), "/withdrawals", body)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Destination address")
	return cmd
}

func fulfillCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fulfill REQUEST WORD...",
		Short: "Deliver random words for a pending request",
		Long: `Deliver random words for a pending request as an external oracle.
Words are decimal or 0x-prefixed hexadecimal. Requires --service-token.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.serviceToken == "" {
				return fmt.Errorf("--service-token required")
			}
			return opts.post(cmd.Context(), "/oracle/fulfillments", map[string]any{
				"request_token": args[0],
				"words":         args[1:],
			})
		},
	}
}

func tokenCmd(opts *options) *cobra.Command {
	var secret, issuer, role, service string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token offline",
		Long: `Issue a participant bearer token, or with --service an oracle service
token. The secret must match the server's auth configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret required")
			}
			var (
				token string
				err   error
			)
			if service != "" {
				token, err = middleware.GenerateServiceToken([]byte(secret), service, ttl)
			} else {
				if opts.participant == "" {
					return fmt.Errorf("--participant required")
				}
				token, err = middleware.IssueToken([]byte(secret), issuer, opts.participant, role, ttl)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "Signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("AUTH_ISSUER", "lotteryd"), "Token issuer")
	cmd.Flags().StringVar(&role, "role", middleware.RolePlayer, "Role: player or admin")
	cmd.Flags().StringVar(&service, "service", "", "Issue a service token for this service ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func (o *options) client() *httputil.ServiceClient {
	cfg := httputil.ServiceClientConfig{
		BaseURL:     o.server,
		BearerToken: o.token,
		Timeout:     o.timeout,
	}
	if o.serviceToken != "" {
		cfg.Headers = map[string]string{middleware.ServiceTokenHeader: o.serviceToken}
	}
	return httputil.NewServiceClient(cfg)
}

func (o *options) participantBody() map[string]any {
	if o.participant == "" {
		return nil
	}
	return map[string]any{"participant": o.participant}
}

func (o *options) get(ctx context.Context, path string) error {
	var out json.RawMessage
	if err := o.client().GetJSON(ctxOrBackground(ctx), path, &out); err != nil {
		return err
	}
	return o.print(out)
}

func (o *options) post(ctx context.Context, path string, body any) error {
	var out json.RawMessage
	if err := o.client().PostJSON(ctxOrBackground(ctx), path, body, &out); err != nil {
		return err
	}
	return o.print(out)
}

func (o *options) print(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = o.out.Write(append(raw, '\n'))
		return err
	}
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
