package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"impact_verifier/pkg/config"
	"impact_verifier/pkg/data"
	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/scheduler"
	"impact_verifier/pkg/verification"
)

var (
	admin    = common.HexToAddress("0xad")
	router   = common.HexToAddress("0x70")
	verifier = common.HexToAddress("0x1001")
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Environment = "development"
	cfg.Arbitration.Admins = []string{admin.Hex()}
	cfg.Verification.Routers = []string{router.Hex()}
	return cfg
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arbitration.CouncilSize = 0
	_, err := newApp(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestApp_GenesisRoles(t *testing.T) {
	app, err := newApp(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	l := app.ledger
	assert.True(t, l.HasRole(ledger.RoleRouter, router))
	assert.True(t, l.HasRole(ledger.RoleCouncilAdmin, admin))
	assert.True(t, l.HasRole(ledger.RoleMinter, admin))
	council := app.council.Address()
	for _, r := range []ledger.Role{ledger.RoleSlasher, ledger.RoleCouncil, ledger.RoleTreasurer} {
		assert.True(t, l.HasRole(r, council), r)
	}
	assert.False(t, l.HasRole(ledger.RoleMinter, router))
}

func TestApp_ProductionAdminsCannotMint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = "production"
	app, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, app.ledger.HasRole(ledger.RoleMinter, admin))
}

func TestApp_EndToEndFinalization(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	cfg := testConfig(t)

	app, err := newAppWithClock(cfg, mock, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, app.start(ctx))
	defer app.stop(ctx)

	require.NoError(t, app.ledger.Mint(ctx, admin, verifier, cfg.Registry.MinStake))
	require.NoError(t, app.reputation.Grant(ctx, admin, verifier, cfg.Registry.MinReputation))
	require.NoError(t, app.registry.Register(ctx, verifier))

	claim := common.HexToHash("0xc1a1")
	_, err = app.engine.StartTask(ctx, router, verification.TaskRequest{
		SubjectID:   common.HexToHash("0x5b"),
		ClaimID:     claim,
		EvidenceRef: "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		Attester:    verifier,
	})
	require.NoError(t, err)

	mock.Add(cfg.Verification.ChallengeWindow + time.Second)
	require.NoError(t, app.scheduler.RunNow(ctx, scheduler.JobFinalizeTasks))

	task, ok := app.engine.Task(claim)
	require.True(t, ok)
	assert.Equal(t, verification.StatusFinalized, task.Status)

	records, err := app.repo.ListEvents(ctx, data.EventFilter{ClaimID: claim.Hex()})
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.Name)
		assert.NoError(t, r.VerifyHash())
	}
	assert.Contains(t, names, "TaskStarted")
	assert.Contains(t, names, "TaskFinalized")

	latest, err := app.repo.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, app.audit.LastSeq())

	require.NoError(t, app.scheduler.RunNow(ctx, jobAuditFlush))
	assert.Equal(t, 0, app.audit.Pending())
}
