// dbinspect prints what tradeguard has persisted: table sizes, the risk
// state, open positions and the most recent closed trades. Read-only; the
// schema is migrated on open.
//
//	go run ./cmd/dbinspect [trades]
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/tradeguard/storage"
)

func main() {
	godotenv.Load()

	dsn := os.Getenv("DATABASE_PATH")
	if dsn == "" {
		dsn = "data/tradeguard.db"
	}
	limit := 10
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 {
			fmt.Printf("❌ Invalid trade count %q\n", os.Args[1])
			os.Exit(1)
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("🔌 Connecting to database...")
	db, err := storage.Open(dsn)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Println("✅ Database connected!")

	// Row counts
	counts, err := db.TableCounts(ctx)
	if err != nil {
		fmt.Printf("❌ Query error: %v\n", err)
		os.Exit(1)
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	fmt.Println("\n📊 Row counts:")
	for _, t := range tables {
		fmt.Printf("  - %s: %d rows\n", t, counts[t])
	}

	// Risk posture
	fmt.Println("\n🛡️ Risk state:")
	state, err := db.LoadRiskState(ctx, 20)
	switch {
	case err != nil:
		fmt.Printf("  ⚠️ %v\n", err)
	case state == nil:
		fmt.Println("  (never saved)")
	default:
		halted := "no"
		if state.KillSwitchActive {
			halted = fmt.Sprintf("YES (%s since %s)", state.KillSwitchReason, state.KillSwitchAt.Format(time.RFC3339))
		}
		fmt.Printf("  Capital:   $%s (start $%s, high $%s)\n",
			state.CurrentCapital.StringFixed(2), state.InitialCapital.StringFixed(2), state.HighWaterMark.StringFixed(2))
		fmt.Printf("  Daily P&L: $%s (%s)\n", state.DailyPnL.StringFixed(2), state.DailyResetDate)
		fmt.Printf("  Record:    %dW / %dL, loss streak %d\n",
			state.TradeHistory.Wins, state.TradeHistory.Losses, state.LossStreak())
		fmt.Printf("  Halted:    %s\n", halted)
	}

	// Open positions
	fmt.Println("\n💼 Open positions:")
	open, err := db.GetOpenPositions(ctx)
	if err != nil {
		fmt.Printf("  ⚠️ %v\n", err)
	}
	if len(open) == 0 {
		fmt.Println("  (none)")
	}
	for _, p := range open {
		trail := ""
		if p.TrailingActive {
			trail = " trailing"
		}
		fmt.Printf("  - %s %s %s @ %s qty %s | SL %s%s | TP %s | %s\n",
			p.ID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.StopLoss, trail, p.TakeProfit,
			time.Since(p.EntryTime).Round(time.Second))
	}

	// Closed trades
	fmt.Printf("\n📒 Last %d trades:\n", limit)
	trades, err := db.GetTradeHistory(ctx, limit)
	if err != nil {
		fmt.Printf("  ⚠️ %v\n", err)
	}
	if len(trades) == 0 {
		fmt.Println("  (none)")
	}
	for _, t := range trades {
		fmt.Printf("  - %s %s %s | %s → %s | P&L $%s (%s%%) | %s | held %v\n",
			t.ExitTime.Format("Jan 2 15:04"), t.Symbol, t.Side,
			t.EntryPrice, t.ExitPrice, t.PnL.StringFixed(2), t.PnLPercent.StringFixed(2),
			t.ExitReason, time.Duration(t.HoldSeconds)*time.Second)
	}
}
