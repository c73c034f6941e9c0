package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
	"bybit-trading-pipeline/internal/kv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsMainnetURL = "wss://stream.bybit.com/v5/public/linear"
	wsTestnetURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	wsPingInterval = 20 * time.Second
	wsRedialDelay  = 5 * time.Second

	liveWindow = 100
)

// LiveScanner watches the confirmed-candle stream of the current watchlist
// and publishes entry opportunities on RSI extremes. It is the low-latency
// complement to the hourly backtest cycle.
type LiveScanner struct {
	scannerID string
	store     *kv.Store
	broker    *broker.Broker
	cfg       config.ScannerConfig
	trading   config.TradingConfig
	queue     string
	testnet   bool
	logger    zerolog.Logger

	windows map[string][]bybit.Kline
	writeMu sync.Mutex
}

func NewLiveScanner(store *kv.Store, b *broker.Broker, cfg config.ScannerConfig, trading config.TradingConfig, queue string, testnet bool, logger zerolog.Logger) *LiveScanner {
	return &LiveScanner{
		scannerID: fmt.Sprintf("live-%s", uuid.NewString()[:8]),
		store:     store,
		broker:    b,
		cfg:       cfg,
		trading:   trading,
		queue:     queue,
		testnet:   testnet,
		logger:    logger,
		windows:   make(map[string][]bybit.Kline),
	}
}

type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type wsMessage struct {
	Topic string `json:"topic"`
	Op    string `json:"op"`
	Data  []struct {
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

// Run keeps a websocket session alive until the context is cancelled,
// redialling on any failure. The heartbeat runs once for the process, not
// per session.
func (ls *LiveScanner) Run(ctx context.Context) error {
	if err := ls.broker.DeclareQueue(ls.queue); err != nil {
		return err
	}
	go ls.beat(ctx)

	for {
		if err := ls.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ls.logger.Error().Err(err).Msg("websocket session ended, redialling")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wsRedialDelay):
		}
	}
}

func (ls *LiveScanner) session(ctx context.Context) error {
	snapshot, err := ls.store.LatestDiscovery(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil || len(snapshot.Coins) == 0 {
		return fmt.Errorf("no discovery snapshot available")
	}
	coins := snapshot.Coins
	if len(coins) > ls.cfg.TopCoins {
		coins = coins[:ls.cfg.TopCoins]
	}

	url := wsMainnetURL
	if ls.testnet {
		url = wsTestnetURL
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	defer conn.Close()

	topics := make([]string, len(coins))
	for i, c := range coins {
		topics[i] = fmt.Sprintf("kline.%s.%s", ls.trading.EntryTimeframe, c.Symbol)
	}
	if err := ls.writeJSON(conn, wsRequest{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ls.logger.Info().Int("topics", len(topics)).Msg("live stream subscribed")

	done := make(chan error, 1)
	go ls.reader(ctx, conn, done)
	go ls.pinger(ctx, conn)

	select {
	case <-ctx.Done():
		ls.writeClose(conn)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// writeJSON serialises connection writes; gorilla permits one concurrent
// writer.
func (ls *LiveScanner) writeJSON(conn *websocket.Conn, v any) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (ls *LiveScanner) writeClose(conn *websocket.Conn) {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (ls *LiveScanner) reader(ctx context.Context, conn *websocket.Conn, done chan<- error) {
	for {
		conn.SetReadDeadline(time.Now().Add(ls.cfg.WSReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			done <- fmt.Errorf("read failed: %w", err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			ls.logger.Warn().Err(err).Msg("unparseable stream message")
			continue
		}
		if msg.Topic == "" || len(msg.Data) == 0 {
			continue
		}
		symbol := symbolOfTopic(msg.Topic)
		for _, candle := range msg.Data {
			if !candle.Confirm {
				continue
			}
			close, err := strconv.ParseFloat(candle.Close, 64)
			if err != nil {
				continue
			}
			high, err := strconv.ParseFloat(candle.High, 64)
			if err != nil {
				high = close
			}
			low, err := strconv.ParseFloat(candle.Low, 64)
			if err != nil {
				low = close
			}
			ls.onClose(ctx, symbol, bybit.Kline{
				OpenTime: time.Now(),
				High:     high,
				Low:      low,
				Close:    close,
			})
		}
	}
}

func (ls *LiveScanner) pinger(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ls.writeJSON(conn, wsRequest{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (ls *LiveScanner) beat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ls.store.Heartbeat(ctx, ls.scannerID); err != nil {
				ls.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// onClose folds one confirmed candle into the rolling window and publishes an
// entry signal when the RSI reaches an extreme on a symbol that is actually
// moving. ATR volatility below the scan floor skips the symbol.
func (ls *LiveScanner) onClose(ctx context.Context, symbol string, candle bybit.Kline) {
	window := append(ls.windows[symbol], candle)
	if len(window) > liveWindow {
		window = window[len(window)-liveWindow:]
	}
	ls.windows[symbol] = window

	if len(window) <= ls.trading.RSIPeriod {
		return
	}
	closes := make([]float64, len(window))
	for i, k := range window {
		closes[i] = k.Close
	}
	rsiSeries := indicators.RSI(closes, ls.trading.RSIPeriod)
	rsi := rsiSeries[len(rsiSeries)-1]
	if math.IsNaN(rsi) {
		return
	}

	_, volSeries := indicators.ATR(window, ls.trading.RSIPeriod)
	vol := volSeries[len(volSeries)-1]
	if math.IsNaN(vol) || vol < ls.cfg.MinVolatility {
		return
	}

	var direction string
	var confidence float64
	switch {
	case rsi <= 30:
		direction = "LONG"
		confidence = math.Min(95, 60+(30-rsi))
	case rsi >= 70:
		direction = "SHORT"
		confidence = math.Min(95, 60+(rsi-70))
	default:
		return
	}

	sig := broker.EntrySignal{
		Version:    broker.MessageVersion,
		ScannerID:  ls.scannerID,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Price:      candle.Close,
		Timestamp:  time.Now().Unix(),
	}
	if err := ls.broker.Publish(ctx, ls.queue, &sig); err != nil {
		ls.logger.Error().Err(err).Str("symbol", symbol).Msg("entry signal publish failed")
		return
	}
	ls.logger.Info().
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("rsi", rsi).
		Float64("confidence", confidence).
		Msg("entry signal published")
}

// symbolOfTopic extracts SYMBOL from "kline.<tf>.SYMBOL".
func symbolOfTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '.' {
			return topic[i+1:]
		}
	}
	return topic
}
