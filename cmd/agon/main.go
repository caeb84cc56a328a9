package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	cl "agon/internal/cli"
	"agon/internal/config"
	"agon/internal/economy"
	"agon/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "agon",
		Short:        "Agon marketplace client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newRegisterCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newWalletCmd(&apiBase),
		newHistoryCmd(&apiBase),
		newPayCmd(&apiBase),
		newSwapCmd(&apiBase),
		newAuctionsCmd(&apiBase),
		newMarketsCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.BaseDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

// sendWrite performs an idempotent write. On a network failure the command is
// queued for `agon sync` and queued is true.
func sendWrite(cmd *cobra.Command, apiBase *string, sess cl.Session, c syncq.Command, out any) (queued bool, err error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	err = newClient(apiBase).Do(ctx, c.Method, c.Path, sess.Token, c.Body, c.IdempotencyKey, out)
	if err == nil || !cl.IsNetworkError(err) {
		return false, err
	}
	q, qerr := openQueue()
	if qerr != nil {
		return false, fmt.Errorf("request failed (%v) and could not be queued: %w", err, qerr)
	}
	if qerr := q.Push(c); qerr != nil {
		return false, fmt.Errorf("request failed (%v) and could not be queued: %w", err, qerr)
	}
	printWarn(fmt.Sprintf("Network unavailable; queued %q. Run `agon sync` to replay.", c.Summary))
	return true, nil
}

func saveSession(sess cl.Session) error {
	if err := cl.SaveSession(sess); err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Signed in as %s.", sess.User.Username))
	return nil
}

func newRegisterCmd(apiBase *string) *cobra.Command {
	var invite string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an Agon account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			if invite == "" {
				if invite, err = promptOptional("Invite code (blank if none)"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sess, err := newClient(apiBase).Register(ctx, username, password, invite)
			if err != nil {
				return err
			}
			return saveSession(sess)
		},
	}
	cmd.Flags().StringVar(&invite, "invite", "", "invite code")
	return cmd
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to Agon",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sess, err := newClient(apiBase).Login(ctx, username, password)
			if err != nil {
				return err
			}
			return saveSession(sess)
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newWalletCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			w, err := newClient(apiBase).Wallet(ctx, sess.Token)
			if err != nil {
				return err
			}
			renderWallet(w)
			return nil
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			txs, err := newClient(apiBase).Transactions(ctx, sess.Token, limit)
			if err != nil {
				return err
			}
			renderTransactions(sess.User.ID, txs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "number of rows")
	return cmd
}

func newPayCmd(apiBase *string) *cobra.Command {
	var currency, note string
	cmd := &cobra.Command{
		Use:   "pay <user> <amount>",
		Short: "Send Agon or Stoneworks Dollars to another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			cur, err := economy.ValidateCurrency(currency)
			if err != nil {
				return err
			}
			amount, err := cl.ParseAmount(args[1])
			if err != nil {
				return err
			}
			to := strings.TrimPrefix(strings.TrimSpace(args[0]), "@")
			var w economy.Wallet
			queued, err := sendWrite(cmd, apiBase, sess, syncq.Command{
				Method: http.MethodPost,
				Path:   "/api/payment/transfer",
				Body: map[string]any{
					"to_username":   to,
					"currency":      cur,
					"amount_micros": amount,
					"note":          note,
				},
				IdempotencyKey: uuid.NewString(),
				Summary:        fmt.Sprintf("pay %s %s %s", to, cl.FormatMicros(amount), currencyShort(cur)),
			}, &w)
			if err != nil || queued {
				return err
			}
			printSuccess(fmt.Sprintf("Sent %s %s to %s.", cl.FormatMicros(amount), currencyShort(cur), to))
			renderWallet(w)
			return nil
		},
	}
	cmd.Flags().StringVar(&currency, "currency", economy.CurrencyAgon, "agon or swd")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	return cmd
}

func newSwapCmd(apiBase *string) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "swap <amount>",
		Short: "Convert between Agon and Stoneworks Dollars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			cur, err := economy.ValidateCurrency(from)
			if err != nil {
				return err
			}
			amount, err := cl.ParseAmount(args[0])
			if err != nil {
				return err
			}
			var out economy.SwapResult
			queued, err := sendWrite(cmd, apiBase, sess, syncq.Command{
				Method:         http.MethodPost,
				Path:           "/api/wallet/swap",
				Body:           map[string]any{"from_currency": cur, "amount_micros": amount},
				IdempotencyKey: uuid.NewString(),
				Summary:        fmt.Sprintf("swap %s %s", cl.FormatMicros(amount), currencyShort(cur)),
			}, &out)
			if err != nil || queued {
				return err
			}
			printSuccess(fmt.Sprintf("Swapped %s %s for %s %s.",
				cl.FormatMicros(out.InMicros), currencyShort(out.FromCurrency),
				cl.FormatMicros(out.OutMicros), currencyShort(out.ToCurrency)))
			renderWallet(out.Wallet)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", economy.CurrencyAgon, "currency to convert from (agon or swd)")
	return cmd
}

func newAuctionsCmd(apiBase *string) *cobra.Command {
	auctions := &cobra.Command{
		Use:     "auctions",
		Short:   "Auction house commands",
		Aliases: []string{"auction"},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List auctions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _ := cl.LoadSession()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Auctions(ctx, sess.Token, status)
			if err != nil {
				return err
			}
			renderAuctions(out)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "active", "active, ended, completed, disputed, cancelled")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one auction and its bids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sess, _ := cl.LoadSession()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Auction(ctx, sess.Token, id)
			if err != nil {
				return err
			}
			renderAuctionDetail(out)
			return nil
		},
	}

	bid := &cobra.Command{
		Use:   "bid <id> <amount>",
		Short: "Bid Agon on an auction (held in escrow)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := cl.ParseAmount(args[1])
			if err != nil {
				return err
			}
			var out economy.BidResult
			queued, err := sendWrite(cmd, apiBase, sess, syncq.Command{
				Method:         http.MethodPost,
				Path:           fmt.Sprintf("/api/auctions/%d/bids", id),
				Body:           map[string]any{"amount_micros": amount},
				IdempotencyKey: uuid.NewString(),
				Summary:        fmt.Sprintf("bid %s on #%d", cl.FormatMicros(amount), id),
			}, &out)
			if err != nil || queued {
				return err
			}
			printSuccess(fmt.Sprintf("Bid of %s Agon placed on #%d.", cl.FormatMicros(out.AmountMicros), id))
			fmt.Printf("Available: %s  Escrow: %s\n", cl.FormatMicros(out.AgonMicros), cl.FormatMicros(out.AgonEscrowMicros))
			return nil
		},
	}

	var category, description string
	var hours int64
	create := &cobra.Command{
		Use:   "create <title> <starting-price>",
		Short: "List an item for auction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			price, err := cl.ParseAmount(args[1])
			if err != nil {
				return err
			}
			if hours <= 0 {
				if hours, err = promptInt64("Duration in hours", 1); err != nil {
					return err
				}
			}
			var out economy.Auction
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).Do(ctx, http.MethodPost, "/api/auctions", sess.Token, map[string]any{
				"title":                 args[0],
				"description":           description,
				"category":              category,
				"starting_price_micros": price,
				"duration_hours":        hours,
			}, "", &out); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Auction #%d created, ends %s.", out.ID, out.EndDate.Local().Format("2006-01-02 15:04")))
			return nil
		},
	}
	create.Flags().StringVar(&category, "category", "", "category")
	create.Flags().StringVar(&description, "description", "", "description")
	create.Flags().Int64Var(&hours, "hours", 0, "duration in hours (1-336)")

	confirm := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm delivery and release escrow to the seller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var out economy.Settlement
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).Do(ctx, http.MethodPost, fmt.Sprintf("/api/auctions/%d/confirm", id), sess.Token, map[string]any{}, "", &out); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Delivery confirmed. Seller received %s Agon (commission %s).",
				cl.FormatMicros(out.NetMicros), cl.FormatMicros(out.CommissionMicros)))
			return nil
		},
	}

	dispute := &cobra.Command{
		Use:   "dispute <id> [reason]",
		Short: "Report a delivery problem",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			} else if reason, err = promptRequired("Reason"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).Do(ctx, http.MethodPost, fmt.Sprintf("/api/auctions/%d/dispute", id), sess.Token, map[string]any{"reason": reason}, "", nil); err != nil {
				return err
			}
			printWarn(fmt.Sprintf("Auction #%d marked disputed. An admin will review it.", id))
			return nil
		},
	}

	auctions.AddCommand(list, show, bid, create, confirm, dispute)
	return auctions
}

func newMarketsCmd(apiBase *string) *cobra.Command {
	markets := &cobra.Command{
		Use:     "markets",
		Short:   "Prediction market commands",
		Aliases: []string{"market"},
	}

	markets.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List prediction markets",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _ := cl.LoadSession()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Markets(ctx, sess.Token)
			if err != nil {
				return err
			}
			renderMarkets(out)
			return nil
		},
	})

	markets.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a market with its latest quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sess, _ := cl.LoadSession()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Market(ctx, sess.Token, id)
			if err != nil {
				return err
			}
			renderMarketDetail(out)
			return nil
		},
	})

	markets.AddCommand(newOrderCmd(apiBase, "buy"), newOrderCmd(apiBase, "sell"))

	markets.AddCommand(&cobra.Command{
		Use:   "positions",
		Short: "Show your prediction positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).PredictionPositions(ctx, sess.Token)
			if err != nil {
				return err
			}
			renderPositions(out)
			return nil
		},
	})
	return markets
}

func newOrderCmd(apiBase *string, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <market-id> <yes|no> <shares>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " YES or NO shares",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			side := strings.ToLower(strings.TrimSpace(args[1]))
			if side != "yes" && side != "no" {
				return fmt.Errorf("side must be yes or no")
			}
			qty, err := strconv.ParseInt(strings.TrimSpace(args[2]), 10, 64)
			if err != nil || qty <= 0 {
				return fmt.Errorf("shares must be a positive whole number")
			}
			var out economy.OrderResult
			queued, err := sendWrite(cmd, apiBase, sess, syncq.Command{
				Method: http.MethodPost,
				Path:   "/api/prediction/orders",
				Body: map[string]any{
					"market_id": id,
					"side":      side,
					"action":    action,
					"quantity":  qty,
				},
				IdempotencyKey: uuid.NewString(),
				Summary:        fmt.Sprintf("%s %d %s on #%d", action, qty, side, id),
			}, &out)
			if err != nil || queued {
				return err
			}
			renderOrder(out, action, side)
			return nil
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			q, err := openQueue()
			if err != nil {
				return err
			}
			pending, err := q.Load()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			sent, failed, err := q.Replay(func(c syncq.Command) error {
				if err := client.Do(ctx, c.Method, c.Path, sess.Token, c.Body, c.IdempotencyKey, nil); err != nil {
					return fmt.Errorf("%s: %w", c.Summary, err)
				}
				return nil
			}, cl.IsNetworkError)
			if err != nil {
				return err
			}
			for _, f := range failed {
				printError(f.Error())
			}
			remaining, _ := q.Load()
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d failed=%d remaining=%d", sent, len(failed), len(remaining)))
			return nil
		},
	}
}

func parseID(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return v, nil
}
