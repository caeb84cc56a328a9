package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	cl "agon/internal/cli"
	"agon/internal/economy"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if pw := strings.TrimSpace(string(raw)); pw != "" {
			return pw, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderWallet(w economy.Wallet) {
	accent.Println("\n== WALLET ==")
	fmt.Printf("Agon:              %14s\n", cl.FormatMicros(w.AgonMicros))
	fmt.Printf("Agon in escrow:    %14s\n", cl.FormatMicros(w.AgonEscrowMicros))
	fmt.Printf("Stoneworks Dollar: %14s\n", cl.FormatMicros(w.StoneworksDollarMicros))
	fmt.Println()
}

func renderTransactions(userID int64, txs []economy.Transaction) {
	accent.Println("\n== HISTORY ==")
	if len(txs) == 0 {
		printInfo("No transactions yet.")
		return
	}
	fmt.Printf("%-16s %-20s %-6s %14s  %s\n", "TIME", "TYPE", "CCY", "AMOUNT", "DETAIL")
	for _, tx := range txs {
		amount := tx.AmountMicros
		if tx.FromUserID != nil && *tx.FromUserID == userID && (tx.ToUserID == nil || *tx.ToUserID != userID) {
			amount = -amount
		}
		fmt.Printf("%-16s %-20s %-6s %14s  %s\n",
			tx.CreatedAt.Local().Format("01-02 15:04"),
			truncate(tx.Type, 20),
			currencyShort(tx.Currency),
			colorizeMicros(amount),
			truncate(tx.Description, 40),
		)
	}
	fmt.Println()
}

func renderAuctions(auctions []economy.Auction) {
	accent.Println("\n== AUCTIONS ==")
	if len(auctions) == 0 {
		printInfo("No auctions found.")
		return
	}
	fmt.Printf("%-6s %-28s %-14s %12s %-10s %s\n", "ID", "TITLE", "SELLER", "PRICE", "STATUS", "ENDS")
	for _, a := range auctions {
		price := a.StartingPriceMicros
		if a.CurrentBidMicros != nil {
			price = *a.CurrentBidMicros
		}
		fmt.Printf("%-6d %-28s %-14s %12s %-10s %s\n",
			a.ID,
			truncate(a.Title, 28),
			truncate(a.SellerUsername, 14),
			cl.FormatMicros(price),
			a.Status,
			a.EndDate.Local().Format("01-02 15:04"),
		)
	}
	fmt.Println()
}

func renderAuctionDetail(d economy.AuctionDetail) {
	accent.Printf("\n== #%d %s ==\n", d.ID, d.Title)
	fmt.Printf("Seller:     %s\n", d.SellerUsername)
	fmt.Printf("Status:     %s\n", d.Status)
	fmt.Printf("Start:      %s Agon\n", cl.FormatMicros(d.StartingPriceMicros))
	if d.CurrentBidMicros != nil {
		fmt.Printf("Current:    %s Agon by %s\n", cl.FormatMicros(*d.CurrentBidMicros), d.HighestBidder)
	}
	fmt.Printf("Min bid:    %s Agon\n", cl.FormatMicros(d.MinNextBidMicros))
	fmt.Printf("Ends:       %s\n", d.EndDate.Local().Format("2006-01-02 15:04"))
	if d.Description != "" {
		fmt.Printf("\n%s\n", d.Description)
	}
	if len(d.Bids) > 0 {
		fmt.Println()
		accent.Println("Bids")
		for _, b := range d.Bids {
			marker := " "
			if b.IsActive {
				marker = "*"
			}
			fmt.Printf("%s %-16s %12s  %s\n", marker, truncate(b.Bidder, 16), cl.FormatMicros(b.AmountMicros), b.CreatedAt.Local().Format("01-02 15:04"))
		}
	}
	fmt.Println()
}

func renderMarkets(markets []economy.Market) {
	accent.Println("\n== PREDICTION MARKETS ==")
	if len(markets) == 0 {
		printInfo("No markets found.")
		return
	}
	fmt.Printf("%-5s %-44s %-8s %9s %9s\n", "ID", "QUESTION", "STATUS", "YES ASK", "NO ASK")
	for _, m := range markets {
		yes, no := "-", "-"
		if m.Quote != nil {
			yes = cl.FormatMicros(m.Quote.YesAskMicros)
			no = cl.FormatMicros(m.Quote.NoAskMicros)
		}
		fmt.Printf("%-5d %-44s %-8s %9s %9s\n", m.ID, truncate(m.Question, 44), m.Status, yes, no)
	}
	fmt.Println()
}

func renderMarketDetail(m economy.MarketDetail) {
	accent.Printf("\n== #%d %s ==\n", m.ID, m.Question)
	fmt.Printf("Status: %s\n", m.Status)
	if m.Resolution != nil {
		fmt.Printf("Resolved: %s\n", strings.ToUpper(*m.Resolution))
	}
	if q := m.Quote; q != nil {
		fmt.Printf("YES  bid %s  ask %s\n", cl.FormatMicros(q.YesBidMicros), cl.FormatMicros(q.YesAskMicros))
		fmt.Printf("NO   bid %s  ask %s\n", cl.FormatMicros(q.NoBidMicros), cl.FormatMicros(q.NoAskMicros))
		fmt.Printf("As of %s\n", q.FetchedAt.Local().Format("15:04:05"))
	}
	fmt.Println()
}

func renderPositions(positions []economy.PredictionPosition) {
	accent.Println("\n== POSITIONS ==")
	if len(positions) == 0 {
		printInfo("No open positions.")
		return
	}
	fmt.Printf("%-5s %-36s %-4s %8s %9s %9s %12s\n", "MKT", "QUESTION", "SIDE", "QTY", "AVG", "MARK", "REALIZED")
	for _, p := range positions {
		fmt.Printf("%-5d %-36s %-4s %8d %9s %9s %12s\n",
			p.MarketID,
			truncate(p.Question, 36),
			strings.ToUpper(p.Side),
			p.Quantity,
			cl.FormatMicros(p.AvgPriceMicros),
			cl.FormatMicros(p.MarkPriceMicros),
			colorizeMicros(p.RealizedPnLMicros),
		)
	}
	fmt.Println()
}

func renderOrder(o economy.OrderResult, action, side string) {
	accent.Printf("\n== %s %s ==\n", strings.ToUpper(action), strings.ToUpper(side))
	fmt.Printf("Shares:   %d\n", o.Quantity)
	fmt.Printf("Price:    %s Agon\n", cl.FormatMicros(o.PriceMicros))
	fmt.Printf("Fee:      %s Agon\n", cl.FormatMicros(o.FeeMicros))
	fmt.Printf("Total:    %s Agon\n", cl.FormatMicros(o.TotalMicros))
	fmt.Printf("Position: %d @ %s\n", o.PositionQuantity, cl.FormatMicros(o.AvgPriceMicros))
	if o.RealizedPnL != 0 {
		fmt.Printf("Realized: %s Agon\n", colorizeMicros(o.RealizedPnL))
	}
	fmt.Printf("Balance:  %s Agon\n", cl.FormatMicros(o.AgonMicros))
	fmt.Println()
}

func colorizeMicros(v int64) string {
	text := cl.FormatMicros(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func currencyShort(c string) string {
	switch c {
	case economy.CurrencyAgon:
		return "AGON"
	case economy.CurrencySWD:
		return "SWD"
	default:
		return strings.ToUpper(truncate(c, 6))
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
