// Command backtest replays the entry engine over historical candles for one
// or more symbols, from the terminal. Useful for tuning without standing up
// the full pipeline.
//
//	backtest -timeframe 3 BTCUSDT ETHUSDT
//	backtest -compare SOLUSDT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/backtest"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/logging"
	"bybit-trading-pipeline/internal/market"

	"github.com/joho/godotenv"
)

var compareTimeframes = []string{"1", "3", "5"}

func main() {
	timeframe := flag.String("timeframe", "3", "kline interval in minutes")
	compare := flag.Bool("compare", false, "run every comparison timeframe (1, 3, 5) per symbol")
	candles := flag.Int("candles", 0, "candle window size (default from config)")
	flag.Parse()

	symbols := flag.Args()
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "usage: backtest [-timeframe N | -compare] SYMBOL [SYMBOL...]")
		os.Exit(1)
	}

	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *candles > 0 {
		cfg.TradingConfig.BacktestCandles = *candles
	}

	logger := logging.Setup("backtest", cfg.LoggingConfig.Level, "console")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := bybit.NewClient(cfg.BybitConfig.APIKey, cfg.BybitConfig.APISecret, cfg.BybitConfig.TestNet, cfg.BybitConfig.HTTPTimeout)
	builder := market.NewContextBuilder(client, logger)
	engine := backtest.NewEngine(cfg.TradingConfig)

	timeframes := []string{*timeframe}
	if *compare {
		timeframes = compareTimeframes
	}

	failed := false
	for _, symbol := range symbols {
		sigCtx, err := builder.Build(ctx, symbol)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: context build failed: %v\n", symbol, err)
			failed = true
			continue
		}

		for _, tf := range timeframes {
			klines, err := client.GetKlines(ctx, symbol, tf, cfg.TradingConfig.BacktestCandles)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s/%sm: kline fetch failed: %v\n", symbol, tf, err)
				failed = true
				continue
			}

			result := engine.Run(*sigCtx, tf, klines)
			printResult(result)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func printResult(r *backtest.Result) {
	fmt.Printf("\n=== %s %sm (%s) ===\n", r.Symbol, r.Timeframe, r.Status)
	if r.TotalTrades == 0 {
		fmt.Println("no trades in window")
		return
	}

	fmt.Printf("trades:        %d (%d wins, %.1f%% win rate)\n", r.TotalTrades, r.WinningTrades, r.WinRate)
	fmt.Printf("total pnl:     %+.2f USDT\n", r.TotalPnL)
	fmt.Printf("avg win/loss:  %+.2f / %+.2f USDT\n", r.AvgWin, r.AvgLoss)
	fmt.Printf("avg conf:      %.1f\n", r.ConfidenceAvg)
	fmt.Printf("best strategy: %s\n", r.BestStrategy)
	fmt.Printf("analysis time: %s\n", r.AnalysisTime)

	for _, t := range r.Trades {
		outcome := "LOSS"
		if t.Win {
			outcome = "WIN "
		}
		fmt.Printf("  %s %-5s %-8s entry %.6f exit %.6f pnl %+.2f (%d bars)\n",
			t.EntryTime.Format("01-02 15:04"), outcome, t.Direction, t.EntryPrice, t.ExitPrice, t.NetPnL, t.BarsHeld)
	}
}
