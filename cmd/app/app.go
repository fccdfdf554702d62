package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"impact_verifier/pkg/arbitration"
	"impact_verifier/pkg/compensation"
	"impact_verifier/pkg/config"
	"impact_verifier/pkg/data"
	"impact_verifier/pkg/database"
	"impact_verifier/pkg/issuance"
	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/p2p"
	"impact_verifier/pkg/randomness"
	"impact_verifier/pkg/registry"
	"impact_verifier/pkg/reputation"
	"impact_verifier/pkg/scheduler"
	"impact_verifier/pkg/utils"
	"impact_verifier/pkg/verification"
)

const (
	auditSinkName = "audit"

	jobDatabaseHealth      = "audit-db-health"
	databaseHealthSchedule = "@every 1m"
	jobAuditFlush          = "audit-flush"
	auditFlushSchedule     = "@every 30s"
)

// App owns the protocol components and the services around them.
type App struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger

	ledger       *ledger.Ledger
	reputation   *reputation.Book
	registry     *registry.Registry
	credits      *issuance.CreditBook
	engine       *verification.Engine
	oracle       *randomness.LocalOracle
	compensation *compensation.Ledger
	council      *arbitration.Council

	db        *database.Service
	repo      data.Repository
	audit     *data.RepositorySink
	gossip    *p2p.Gossip
	scheduler *scheduler.Scheduler
	keeper    *scheduler.Keeper
}

// newApp wires every protocol component against one ledger. Nothing is
// started until start is called.
func newApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	return newAppWithClock(cfg, clock.New(), logger)
}

func newAppWithClock(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := ledger.New(clk, logger)
	l.AddSink(ledger.NewLogSink(logger))

	rep := reputation.NewBook(l, logger)
	reg := registry.New(l, rep, registry.Config{
		Address:       config.Addr(cfg.Registry.Address),
		Treasury:      config.Addr(cfg.Registry.Treasury),
		MinStake:      cfg.Registry.MinStake,
		MinReputation: cfg.Registry.MinReputation,
		UnstakeLock:   cfg.Registry.UnstakeLock,
	}, logger)

	signer, err := verification.NewSigner(cfg.Verification.SignerKeyHex, cfg.Verification.ChainID)
	if err != nil {
		return nil, fmt.Errorf("creating dispute signer: %w", err)
	}
	if cfg.Verification.SignerKeyHex == "" {
		logger.Warn("No signer key configured, using an ephemeral key",
			zap.String("signer", signer.Address().Hex()))
	}

	credits := issuance.NewCreditBook(cfg.Issuance.UnitsPerClaim, logger)
	engineAddr := config.Addr(cfg.Verification.Address)
	engine := verification.NewEngine(l, reg, signer, credits, verification.Config{
		Address:         engineAddr,
		ChallengeWindow: cfg.Verification.ChallengeWindow,
	}, logger)

	oracleAddr := config.Addr(cfg.Randomness.Address)
	oracle := randomness.NewLocalOracle(l, oracleAddr, []byte(cfg.Randomness.Seed), cfg.Randomness.FulfillDelay, logger)
	comp := compensation.New(l, config.Addr(cfg.Compensation.Address), logger)

	councilAddr := config.Addr(cfg.Arbitration.Address)
	council := arbitration.NewCouncil(l, reg, oracle, engine, comp,
		arbitration.NewAuthorizer(signer.Address(), cfg.Verification.ChainID, engineAddr),
		arbitration.Config{
			Address:           councilAddr,
			CouncilSize:       cfg.Arbitration.CouncilSize,
			VotePeriod:        cfg.Arbitration.VotePeriod,
			ChallengerStake:   cfg.Arbitration.ChallengerStake,
			ExcludeChallenger: cfg.Arbitration.ExcludeChallenger,
			Policy: arbitration.SettlementPolicy{
				MaxScore:            cfg.Arbitration.MaxScore,
				FraudThreshold:      cfg.Arbitration.FraudThreshold,
				KeeperBounty:        cfg.Arbitration.KeeperBounty,
				ChallengerRewardPct: cfg.Arbitration.ChallengerRewardPct,
			},
		}, logger)
	engine.SetArbiter(council)
	oracle.SetConsumer(council)

	grantRoles(l, cfg, logger)

	app := &App{
		cfg:          cfg,
		clock:        clk,
		logger:       logger,
		ledger:       l,
		reputation:   rep,
		registry:     reg,
		credits:      credits,
		engine:       engine,
		oracle:       oracle,
		compensation: comp,
		council:      council,
	}
	if cfg.Database.Enabled {
		app.db = database.NewService(&cfg.Database, logger)
	}
	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.NewScheduler(&cfg.Scheduler, clk, logger)
		app.keeper = scheduler.NewKeeper(config.Addr(cfg.Scheduler.KeeperAddress), clk,
			engine, council, oracle, utils.DefaultRetryConfig(), logger)
	}
	return app, nil
}

// grantRoles applies the genesis role table.
func grantRoles(l *ledger.Ledger, cfg *config.Config, logger *zap.Logger) {
	for _, router := range config.Addrs(cfg.Verification.Routers) {
		l.Grant(ledger.RoleRouter, router)
	}

	council := config.Addr(cfg.Arbitration.Address)
	for _, r := range []ledger.Role{ledger.RoleSlasher, ledger.RoleCouncil, ledger.RoleTreasurer} {
		l.Grant(r, council)
	}
	l.Grant(ledger.RoleOracle, config.Addr(cfg.Randomness.Address))
	// the registry seeds reputation snapshots on registration
	l.Grant(ledger.RoleReputationAdmin, config.Addr(cfg.Registry.Address))

	for _, admin := range config.Addrs(cfg.Arbitration.Admins) {
		l.Grant(ledger.RoleCouncilAdmin, admin)
		l.Grant(ledger.RoleReputationAdmin, admin)
		if cfg.IsDevelopment() {
			l.Grant(ledger.RoleMinter, admin)
		}
	}
	logger.Info("Genesis roles granted",
		zap.Int("routers", len(cfg.Verification.Routers)),
		zap.Int("admins", len(cfg.Arbitration.Admins)))
}

func (a *App) start(ctx context.Context) error {
	if err := a.startAudit(ctx); err != nil {
		return err
	}

	if a.cfg.P2P.Enabled {
		g, err := p2p.NewGossip(ctx, &a.cfg.P2P, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("starting gossip: %w", err)
		}
		g.OnEvent(a.onRemoteEvent)
		if err := g.Start(ctx); err != nil {
			g.Stop()
			return fmt.Errorf("starting gossip: %w", err)
		}
		a.gossip = g
		a.ledger.AddSink(g)
	}

	if a.scheduler != nil {
		if err := a.keeper.Register(a.scheduler, a.cfg.Scheduler.Schedule, a.cfg.Scheduler.RetryAttempts); err != nil {
			return fmt.Errorf("registering keeper: %w", err)
		}
		err := a.scheduler.ScheduleJob(&scheduler.Job{
			ID:       jobAuditFlush,
			Name:     "Redeliver pending audit events",
			Schedule: auditFlushSchedule,
			Run:      a.audit.Flush,
		})
		if err != nil {
			return fmt.Errorf("registering audit flush: %w", err)
		}
		if a.db != nil {
			err = a.scheduler.ScheduleJob(&scheduler.Job{
				ID:       jobDatabaseHealth,
				Name:     "Audit database health",
				Schedule: databaseHealthSchedule,
				Run:      a.db.Ping,
			})
			if err != nil {
				return fmt.Errorf("registering database health check: %w", err)
			}
		}
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	a.logger.Info("All services started successfully")
	return nil
}

// startAudit attaches the persistent audit trail, backed by Postgres when
// the database is enabled and by memory otherwise.
func (a *App) startAudit(ctx context.Context) error {
	a.repo = data.NewMemoryRepository()
	if a.db != nil {
		if err := a.db.Start(ctx); err != nil {
			return fmt.Errorf("starting database: %w", err)
		}
		repo, err := a.db.Repository()
		if err != nil {
			return err
		}
		a.repo = repo
	}

	latest, err := a.repo.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading audit trail: %w", err)
	}
	a.ledger.ResumeSequence(latest)

	sink, err := data.NewRepositorySink(ctx, auditSinkName, a.repo, utils.DefaultRetryConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("creating audit sink: %w", err)
	}
	a.audit = sink
	a.ledger.AddSink(sink)
	return nil
}

func (a *App) onRemoteEvent(_ context.Context, from peer.ID, rec *data.EventRecord) {
	a.logger.Debug("Remote event",
		zap.String("from", from.String()),
		zap.Uint64("seq", rec.Seq),
		zap.String("name", rec.Name),
		zap.String("claim_id", rec.ClaimID))
}

func (a *App) stop(ctx context.Context) error {
	var errs []error

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if a.gossip != nil {
		if err := a.gossip.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping gossip: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping database: %w", err))
		}
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	a.logger.Info("All services stopped")
	return errors.Join(errs...)
}
