package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/api"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/guard"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/merchant"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/pipeline"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/purchase"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/config"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// demoAccountID is the account seeded in dry-run mode so the dashboard has a
// position to look at without a live gateway.
const demoAccountID = "demo-account"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Println("🚀 starting BNPL core")
	log.Printf("config loaded, port %s", cfg.Port)

	params, err := protocol.Load(cfg.ProtocolParamsPath)
	if err != nil {
		log.Fatalf("protocol params load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	// In-memory installment state seeded from DB
	installments := installment.NewLedger(database, params)
	if err := installments.Load(ctx); err != nil {
		log.Fatalf("installment ledger load failed: %v", err)
	}

	// Ledger Service gateway selection
	var ledgerSvc ledger.Service
	var watcher *ledger.Watcher
	if cfg.DryRun {
		mock := ledger.NewMock(time.Duration(cfg.DryRunConfirmMs) * time.Millisecond)
		mock.Notify = func(conf ledger.Confirmation) {
			bus.Publish(events.EventLedgerConfirmation, conf)
		}
		mock.SeedAccount(demoAccountID, ledger.Snapshot{
			Collateral:  mustDecimal(cfg.DryRunCollateralBTC),
			Debt:        mustDecimal(cfg.DryRunDebtMUSD),
			OraclePrice: mustDecimal(cfg.DryRunOraclePrice),
			MUSDBalance: mustDecimal(cfg.DryRunMUSDBalance),
		})
		ledgerSvc = mock
		log.Printf("⚠️ DRY RUN: in-process mock ledger, account %s seeded", demoAccountID)
	} else {
		client := ledger.NewClient(cfg.LedgerURL, time.Duration(cfg.LedgerTimeout)*time.Second)
		watcher = ledger.NewWatcher(client, func(conf ledger.Confirmation) {
			bus.Publish(events.EventLedgerConfirmation, conf)
		}, 2*time.Second)
		watcher.Start(ctx)
		trackPipelines(ctx, bus, watcher)
		ledgerSvc = client
		log.Printf("ledger gateway: %s", cfg.LedgerURL)
	}

	// Decision core
	protectionGuard := guard.New(params)
	pipe := pipeline.NewManager(ledgerSvc, bus)
	go pipe.Listen(ctx)

	merchants := merchant.NewRegistry(database)
	purchases := purchase.NewService(database, installments, merchants, pipe, bus, params)
	go purchases.Listen(ctx)
	go purchases.RunLateFeeMonitor(ctx, time.Hour)

	if err := resumePipelines(ctx, database, pipe, purchases, watcher); err != nil {
		log.Fatalf("pipeline resume failed: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	server := api.NewServer(api.Deps{
		Bus:          bus,
		DB:           database,
		Ledger:       ledgerSvc,
		Installments: installments,
		Guard:        protectionGuard,
		Pipe:         pipe,
		Purchases:    purchases,
		Merchants:    merchants,
		Params:       params,
		JWTSecret:    cfg.JWTSecret,
		Meta: api.SystemMeta{
			DryRun:  cfg.DryRun,
			Version: buildVersion,
		},
	})

	go func() {
		log.Printf("✅ HTTP listening on :%s", cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight handlers drain
	log.Println("bye 👋")
}

// resumePipelines reconstructs every pipeline that could have been mid-flight
// at shutdown: pending purchase and payment intents, active agreements, and
// each account's collateral-operation sentinel. State comes from the ledger
// service's submission records, never from memory; rebuilding the sentinels
// is what keeps a post-restart retry from double-submitting a collateral op.
func resumePipelines(ctx context.Context, database *db.Database, pipe *pipeline.Manager, purchases *purchase.Service, watcher *ledger.Watcher) error {
	track := func(correlationID string) {
		if watcher == nil {
			return
		}
		if st, err := pipe.Status(correlationID); err == nil && !st.State.Terminal() {
			watcher.Track(correlationID)
		}
	}

	inFlight, err := purchases.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume purchases: %w", err)
	}
	for _, correlationID := range inFlight {
		track(correlationID)
	}

	rows, err := database.ListAgreements(ctx)
	if err != nil {
		return fmt.Errorf("list agreements: %w", err)
	}
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		nextPayment := fmt.Sprintf("%s-pay-%d", row.ID, row.PaymentsTotal-row.PaymentsRemaining+1)
		for _, correlationID := range []string{row.ID, nextPayment} {
			if err := pipe.Rebuild(ctx, correlationID); err != nil {
				log.Printf("pipeline rebuild %s: %v", correlationID, err)
				continue
			}
			track(correlationID)
		}
	}

	users, err := database.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.AccountID == "" {
			continue
		}
		correlationID := pipeline.PositionCorrelationID(u.AccountID)
		if err := pipe.Rebuild(ctx, correlationID); err != nil {
			log.Printf("pipeline rebuild %s: %v", correlationID, err)
			continue
		}
		track(correlationID)
	}
	return nil
}

// trackPipelines feeds the watcher from pipeline transitions: poll while a
// step is pending, stop once the run is terminal.
func trackPipelines(ctx context.Context, bus *events.Bus, watcher *ledger.Watcher) {
	ch, unsub := bus.Subscribe(events.EventPipelineTransition, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				tr, ok := payload.(pipeline.Transition)
				if !ok {
					continue
				}
				switch tr.To {
				case pipeline.StateAuthorizePending, pipeline.StateExecutePending:
					watcher.Track(tr.CorrelationID)
				case pipeline.StateConfirmed, pipeline.StateFailed:
					watcher.Untrack(tr.CorrelationID)
				}
			}
		}
	}()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid decimal %q in config: %v", s, err)
	}
	return d
}
