package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/margin/pkg/feed"
	"github.com/luxfi/margin/pkg/metrics"
	"github.com/luxfi/margin/pkg/oracle"
	"github.com/luxfi/margin/pkg/orderqueue"
	"github.com/luxfi/margin/pkg/vault"
)

const (
	defaultDataDir     = ".margind"
	defaultHTTPPort    = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir    string
	AssetsFile string
	LogLevel   string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NatsURL     string
	PriceTopic  string

	// Keeper
	KeeperAccount  string
	KeeperInterval time.Duration
	KeeperBatch    int

	// Features
	EnableMetrics bool
}

// assetSpec is the on-disk asset registration format. Big amounts are
// decimal strings so the file survives 30-decimal USD values.
type assetSpec struct {
	Symbol             string `json:"symbol"`
	Decimals           uint8  `json:"decimals"`
	Weight             uint64 `json:"weight"`
	Stable             bool   `json:"stable"`
	Shortable          bool   `json:"shortable"`
	BufferAmount       string `json:"bufferAmount,omitempty"`
	MaxSyntheticDebt   string `json:"maxSyntheticDebt,omitempty"`
	MaxGlobalShortSize string `json:"maxGlobalShortSize,omitempty"`
	Price              string `json:"price,omitempty"`
}

type MarginNode struct {
	config *Config
	db     database.Database
	logger log.Logger

	bank    *vault.MemoryBank
	ledger  *vault.PoolLedger
	oracle  *oracle.Oracle
	swap    *vault.SwapEngine
	engine  *vault.MarginTradingEngine
	queue   *orderqueue.Queue
	hub     *feed.Hub
	nats    *feed.Publisher
	priceNC *nats.Conn
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMarginNode(config *Config) (*MarginNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing margin node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "margind"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	bank := vault.NewMemoryBank()
	ledger := vault.NewPoolLedger(bank)
	positions := vault.NewPositionBook()
	shorts := vault.NewShortExposureTracker(ledger)
	funding := vault.NewFundingTracker(ledger, vault.DefaultFundingConfig())
	fees := vault.DefaultFeeConfig()
	liquidation := vault.NewLiquidationEngine(ledger, fees, vault.DefaultLiquidationConfig())
	px := oracle.New(oracle.DefaultConfig())

	swap := vault.NewSwapEngine(ledger, funding, fees, px, bank)
	engine := vault.NewMarginTradingEngine(ledger, positions, shorts, funding, liquidation, fees, px, bank)

	queue := orderqueue.New(engine, bank, px, db, orderqueue.DefaultConfig())
	queue.SetKeeper(config.KeeperAccount, true)

	hub := feed.NewHub()
	sinks := feed.Fanout{hub}

	var pub *feed.Publisher
	var priceNC *nats.Conn
	if config.NatsURL != "" {
		pub, err = feed.NewPublisher(config.NatsURL, "margin")
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "error", err)
		} else {
			sinks = append(sinks, pub)
			logger.Info("NATS publisher connected", "url", config.NatsURL)
		}
		priceNC, err = nats.Connect(config.NatsURL,
			nats.Timeout(2*time.Second),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("NATS price subscription unavailable", "error", err)
			priceNC = nil
		}
	}
	m := metrics.New("margin")
	queue.SetMetrics(m)
	sinks = append(sinks, &metricsSink{metrics: m})
	engine.SetEventSink(sinks)
	queue.SetEventSink(sinks)

	ctx, cancel := context.WithCancel(context.Background())

	node := &MarginNode{
		config:  config,
		db:      db,
		logger:  logger,
		bank:    bank,
		ledger:  ledger,
		oracle:  px,
		swap:    swap,
		engine:  engine,
		queue:   queue,
		hub:     hub,
		nats:    pub,
		priceNC: priceNC,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := node.registerAssets(); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

// registerAssets loads the asset file and seeds the ledger and oracle.
func (n *MarginNode) registerAssets() error {
	if n.config.AssetsFile == "" {
		n.logger.Warn("No assets file configured, starting with an empty ledger")
		return nil
	}
	raw, err := os.ReadFile(n.config.AssetsFile)
	if err != nil {
		return fmt.Errorf("failed to read assets file: %w", err)
	}
	var specs []assetSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("failed to parse assets file: %w", err)
	}
	for _, s := range specs {
		cfg := vault.AssetConfig{
			Symbol:      s.Symbol,
			Decimals:    s.Decimals,
			Weight:      s.Weight,
			IsStable:    s.Stable,
			IsShortable: s.Shortable,
		}
		if cfg.BufferAmount, err = parseAmount(s.BufferAmount); err != nil {
			return fmt.Errorf("asset %s: bad bufferAmount: %w", s.Symbol, err)
		}
		if cfg.MaxSyntheticDebt, err = parseAmount(s.MaxSyntheticDebt); err != nil {
			return fmt.Errorf("asset %s: bad maxSyntheticDebt: %w", s.Symbol, err)
		}
		if cfg.MaxGlobalShortSize, err = parseAmount(s.MaxGlobalShortSize); err != nil {
			return fmt.Errorf("asset %s: bad maxGlobalShortSize: %w", s.Symbol, err)
		}
		if err := n.ledger.RegisterAsset(cfg); err != nil {
			return fmt.Errorf("failed to register %s: %w", s.Symbol, err)
		}
		if s.Price != "" {
			if err := n.oracle.UpdateFromString(s.Symbol, s.Price); err != nil {
				return fmt.Errorf("asset %s: bad price: %w", s.Symbol, err)
			}
		}
		n.logger.Info("Asset registered",
			"symbol", s.Symbol, "decimals", s.Decimals,
			"weight", s.Weight, "stable", s.Stable, "shortable", s.Shortable)
	}
	return nil
}

// metricsSink translates engine events into prometheus counters.
type metricsSink struct {
	metrics *metrics.Metrics
}

func (s *metricsSink) Emit(event vault.Event) {
	switch event.Type {
	case vault.EventIncreasePosition:
		s.metrics.PositionIncreased()
	case vault.EventDecreasePosition, vault.EventClosePosition:
		s.metrics.PositionDecreased()
	case vault.EventLiquidatePosition:
		s.metrics.Liquidation()
	}
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return v, nil
}

func (n *MarginNode) Start() error {
	n.logger.Info("Starting margin node",
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"keeper", n.config.KeeperAccount,
		"keeperInterval", n.config.KeeperInterval)

	if err := n.queue.Load(); err != nil {
		n.logger.Warn("Failed to restore queue state", "error", err)
	} else {
		n.logger.Info("Queue state restored",
			"pendingIncrease", n.queue.PendingIncrease(),
			"pendingDecrease", n.queue.PendingDecrease())
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.hub.Start(n.config.WSPort); err != nil {
			n.logger.Error("Event feed stopped", "error", err)
		}
	}()

	if n.priceNC != nil {
		topic := n.config.PriceTopic
		if _, err := n.priceNC.Subscribe(topic, func(msg *nats.Msg) {
			if err := n.oracle.UpdateFromJSON(msg.Data); err != nil {
				n.logger.Warn("Rejected price update", "error", err)
			}
		}); err != nil {
			n.logger.Warn("Failed to subscribe to prices", "topic", topic, "error", err)
		} else {
			n.logger.Info("Price subscription active", "topic", topic)
		}
	}

	n.wg.Add(1)
	go n.runKeeper()

	n.wg.Add(1)
	go n.runAPIServer()

	if n.config.EnableMetrics {
		n.wg.Add(1)
		go n.runMetricsServer()
	}

	n.logger.Info("Margin node started")
	return nil
}

// runKeeper drains both order queues on a fixed cadence and refreshes the
// ledger gauges.
func (n *MarginNode) runKeeper() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.KeeperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if done, err := n.queue.ProcessIncreaseQueue(n.config.KeeperBatch, n.config.KeeperAccount); err != nil {
				n.logger.Warn("Increase queue halted", "processed", done, "error", err)
			}
			if done, err := n.queue.ProcessDecreaseQueue(n.config.KeeperBatch, n.config.KeeperAccount); err != nil {
				n.logger.Warn("Decrease queue halted", "processed", done, "error", err)
			}
			n.metrics.SetQueueDepth("increase", n.queue.PendingIncrease())
			n.metrics.SetQueueDepth("decrease", n.queue.PendingDecrease())
			for _, a := range n.ledger.Assets() {
				pool, _ := new(big.Float).SetInt(a.PoolAmount).Float64()
				n.metrics.SetPoolAmount(a.Symbol, pool)
				if a.PoolAmount.Sign() > 0 {
					ratio := new(big.Float).Quo(
						new(big.Float).SetInt(a.ReservedAmount),
						new(big.Float).SetInt(a.PoolAmount))
					v, _ := ratio.Float64()
					n.metrics.SetReservedRatio(a.Symbol, v)
				}
			}
		}
	}
}

func (n *MarginNode) runAPIServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/orders/increase", n.handleSubmitIncrease)
	mux.HandleFunc("/v1/orders/decrease", n.handleSubmitDecrease)
	mux.HandleFunc("/v1/swap", n.handleSwap)
	mux.HandleFunc("/v1/assets", n.handleAssets)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "healthy",
			"pendingIncrease": n.queue.PendingIncrease(),
			"pendingDecrease": n.queue.PendingDecrease(),
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	n.logger.Info("API server started", "port", n.config.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("API server error", "error", err)
	}
}

func (n *MarginNode) handleSubmitIncrease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orderqueue.IncreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := n.queue.SubmitIncrease(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(key)
}

func (n *MarginNode) handleSubmitDecrease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orderqueue.DecreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := n.queue.SubmitDecrease(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(key)
}

// handleSwap serves mint (AssetOut == "sUSD" is implied when AssetOut is
// empty), redeem (AssetIn empty) and asset-to-asset swaps.
func (n *MarginNode) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Account  string   `json:"account"`
		AssetIn  string   `json:"assetIn"`
		AssetOut string   `json:"assetOut"`
		AmountIn *big.Int `json:"amountIn"`
		Receiver string   `json:"receiver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Receiver == "" {
		req.Receiver = req.Account
	}

	var out *big.Int
	var err error
	switch {
	case req.AssetOut == "" || req.AssetOut == vault.SyntheticSymbol:
		out, err = n.swap.Mint(req.Account, req.AssetIn, req.AmountIn, req.Receiver)
	case req.AssetIn == "" || req.AssetIn == vault.SyntheticSymbol:
		out, err = n.swap.Redeem(req.Account, req.AssetOut, req.AmountIn, req.Receiver)
	default:
		out, err = n.swap.Swap(req.Account, req.AssetIn, req.AssetOut, req.AmountIn, req.Receiver)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	n.metrics.SwapExecuted()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]*big.Int{"amountOut": out})
}

func (n *MarginNode) handleAssets(w http.ResponseWriter, r *http.Request) {
	type assetView struct {
		Symbol        string `json:"symbol"`
		PoolAmount    string `json:"poolAmount"`
		Reserved      string `json:"reservedAmount"`
		GuaranteedUsd string `json:"guaranteedUsd"`
		SyntheticDebt string `json:"syntheticDebt"`
		FeeReserve    string `json:"feeReserve"`
	}
	assets := n.ledger.Assets()
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{
			Symbol:        a.Symbol,
			PoolAmount:    a.PoolAmount.String(),
			Reserved:      a.ReservedAmount.String(),
			GuaranteedUsd: a.GuaranteedUsd.String(),
			SyntheticDebt: a.SyntheticDebt.String(),
			FeeReserve:    a.FeeReserve.String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (n *MarginNode) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}
	go func() {
		<-n.ctx.Done()
		server.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server started", "port", n.config.MetricsPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *MarginNode) Shutdown() {
	n.logger.Info("Shutting down margin node...")

	n.cancel()
	n.wg.Wait()

	n.hub.Stop()
	if n.nats != nil {
		n.nats.Close()
	}
	if n.priceNC != nil {
		n.priceNC.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Margin node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.AssetsFile, "assets", "", "Path to asset registration JSON")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultHTTPPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket event feed port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NatsURL, "nats-url", "", "NATS server URL (empty disables NATS)")
	flag.StringVar(&config.PriceTopic, "price-topic", "prices.ticks", "NATS subject carrying oracle price updates")

	flag.StringVar(&config.KeeperAccount, "keeper", "keeper-local", "Keeper account name for queue execution")
	flag.DurationVar(&config.KeeperInterval, "keeper-interval", 2*time.Second, "Queue processing cadence")
	flag.IntVar(&config.KeeperBatch, "keeper-batch", 64, "Maximum requests processed per queue per tick")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("margind - leveraged trading margin engine")
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewMarginNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
