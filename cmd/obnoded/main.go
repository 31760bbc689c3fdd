// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"nexex.org/obnode/chain"
	"nexex.org/obnode/db"
	"nexex.org/obnode/events"
	"nexex.org/obnode/gossip"
	"nexex.org/obnode/orderbook"
)

func mainCore(ctx context.Context) error {
	// Parse the configuration file and set up the loggers.
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("failed to load %s config: %s\n", appName, err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	svcLog, dbLog, oracleLog := configureLoggers(cfg.LogMaker)

	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	// Order store.
	var store db.OrderStore
	if cfg.DataDir == "" {
		log.Infof("using the in-memory order store. orders will not survive a restart")
		store = db.NewMemoryStore()
	} else {
		badgerStore, err := db.NewBadgerStore(filepath.Join(cfg.DataDir, "orders"), dbLog)
		if err != nil {
			return fmt.Errorf("failed to open order database: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			badgerStore.Run(ctx)
		}()
		store = badgerStore
	}
	defer store.Close()

	// On-chain oracle.
	oracle, err := chain.DialEthOracle(ctx, cfg.EthNode, cfg.ExchangeAddr, cfg.RegistryAddr, oracleLog)
	if err != nil {
		return err
	}

	// Event bus and the order book service.
	bus := events.NewBus(svcLog)
	svc := orderbook.New(cfg.Orderbook, oracle, store, bus, svcLog)

	// The constructors register each handler's bus feed, so nothing emitted
	// during bootstrap is missed even before the Run goroutines start.
	runners := []interface{ Run(context.Context) }{
		orderbook.NewOnboardHandler(svc, store, bus, svcLog),
		orderbook.NewPeerOrderHandler(svc, bus, svcLog),
		orderbook.NewMaintenanceHandler(svc, bus, svcLog),
	}
	for _, r := range runners {
		wg.Add(1)
		go func(r interface{ Run(context.Context) }) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	// Peer gossip.
	gateway := gossip.NewGateway(cfg.Gossip, bus)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.Run(ctx); err != nil {
			log.Errorf("gossip gateway error: %v", err)
			cancel()
		}
	}()

	// Bootstrap the markets and open the readiness gate.
	if err := svc.Run(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	log.Infof("the order relay is running. hit CTRL+C to quit...")
	<-ctx.Done()
	wg.Wait()
	log.Infof("bye!")
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		fmt.Println("Shutting down...")
		cancel()
	}()

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
