package spind

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"spinwin/config"
	"spinwin/core/events"
	"spinwin/crypto"
	"spinwin/native/bank"
	"spinwin/native/spinwin"
	"spinwin/storage"
)

const (
	testJWTSecret = "test-secret"
	testIssuer    = "spin-ops"
	treasuryHex   = "0x1111111111111111111111111111111111111111"
	collectorHex  = "0x3333333333333333333333333333333333333333"
	winnerHex     = "0x2222222222222222222222222222222222222222"
	sponsorHex    = "0x4444444444444444444444444444444444444444"
	malloryHex    = "0x9999999999999999999999999999999999999999"
)

type harness struct {
	svc       *Service
	ledger    *bank.Ledger
	audit     *AuditStore
	snapshots *SnapshotStore
	published *bytes.Buffer
	publisher *Publisher
	server    *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAudit(t *testing.T) *AuditStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	audit, err := NewAuditStore(db, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	return audit
}

func testEngineConfig(t *testing.T, mode string, capacity int) spinwin.Config {
	t.Helper()
	cfg, err := EngineConfig(config.EngineConfig{
		Capacity:       capacity,
		Nonce:          254,
		VaultSeed:      "test-vault",
		SettlementMode: mode,
	})
	require.NoError(t, err)
	return cfg
}

func newHarness(t *testing.T, engineCfg spinwin.Config, limit RateLimit) *harness {
	t.Helper()
	ledger := bank.NewLedger(storage.NewMemDB(), bank.WithAutoOpen())
	snapshots, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "spind.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapshots.Close() })
	audit := newTestAudit(t)

	published := &bytes.Buffer{}
	producer, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: published})
	require.NoError(t, err)
	publisher := NewPublisher(producer, "spinwin.events", discardLogger())
	t.Cleanup(func() { _ = publisher.Close() })

	svc, err := NewService(ServiceConfig{
		Ledger:    ledger,
		Engine:    engineCfg,
		Operator:  crypto.AuthorityFromSecret("operator"),
		Snapshots: snapshots,
		Emitter:   events.Fanout{newMetricsEmitter(), audit, publisher},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap([]config.BootstrapAccount{
		{Account: treasuryHex, Mint: "GOLD", Balance: 1_000},
		{Account: collectorHex, Mint: "DRAGON", Balance: 1},
	}))

	auth, err := NewAuthenticator(testJWTSecret, testIssuer, "")
	require.NoError(t, err)
	server := httptest.NewServer(NewServer(svc, auth, NewRateLimiter(limit), audit).Handler())
	t.Cleanup(server.Close)

	return &harness{
		svc:       svc,
		ledger:    ledger,
		audit:     audit,
		snapshots: snapshots,
		published: published,
		publisher: publisher,
		server:    server,
	}
}

func operatorToken(t *testing.T, scope string, expires time.Time) string {
	t.Helper()
	claims := OperatorClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "ops@example",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func handle(t *testing.T, raw string) [20]byte {
	t.Helper()
	addr, err := crypto.ParseAddress(raw)
	require.NoError(t, err)
	return addr.Bytes()
}
