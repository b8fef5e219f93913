package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/polyield/internal/blob/memory"
	s3blob "github.com/alanyoungcy/polyield/internal/blob/s3"
	"github.com/alanyoungcy/polyield/internal/crypto"
	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/server/handler"
	"github.com/alanyoungcy/polyield/internal/server/middleware"
	"github.com/alanyoungcy/polyield/internal/store/memory"
	"github.com/alanyoungcy/polyield/internal/token"
	"github.com/alanyoungcy/polyield/internal/vault"
)

const (
	adminKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	userKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	programID = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc      = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	engine *vault.Engine
	snaps  *s3blob.SnapshotStore
	nonce  atomic.Int64
}

func newTestAPI(t *testing.T, admin common.Address) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := derive.NewDeriver(programID)
	audit := memory.NewAuditLog()
	engine := vault.NewEngine(memory.NewHost(), token.NewProgram(d), d, logger).WithAudit(audit)
	require.NoError(t, engine.RegisterMint(context.Background(), usdc, "USDC", 6))

	blobs := memblob.New()
	snaps := s3blob.NewSnapshotStore(blobs, blobs, blobs)

	s := NewServer(Config{
		Signature: middleware.SignatureConfig{MaxSkew: time.Minute, NonceTTL: 2 * time.Minute},
	}, Handlers{
		Health:    handler.NewHealthHandler("memory", nil, logger),
		Vaults:    handler.NewVaultHandler(engine, []common.Address{admin}, logger),
		Positions: handler.NewPositionHandler(engine, logger),
		Faucet:    handler.NewFaucetHandler(engine, 0, logger),
		Snapshots: handler.NewSnapshotHandler(snaps, logger),
		Activity:  handler.NewActivityHandler(audit, logger),
	}, Deps{Nonces: memory.NewNonceStore()}, nil, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, engine: engine, snaps: snaps}
}

func (a *testAPI) do(signer *crypto.Signer, method, path string, body any) (int, map[string]any) {
	a.t.Helper()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(a.t, err)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader(raw))
	require.NoError(a.t, err)
	if signer != nil {
		nonce := fmt.Sprintf("n-%d", a.nonce.Add(1))
		require.NoError(a.t, signer.SignRequest(req, raw, time.Now(), nonce))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func signers(t *testing.T) (*crypto.Signer, *crypto.Signer) {
	t.Helper()
	admin, err := crypto.NewSigner(adminKey)
	require.NoError(t, err)
	user, err := crypto.NewSigner(userKey)
	require.NoError(t, err)
	return admin, user
}

func TestAPI_DepositWithdrawFlow(t *testing.T) {
	t.Parallel()

	admin, user := signers(t)
	api := newTestAPI(t, admin.Address())
	vaultPath := "/api/vaults/" + usdc.Hex()

	status, body := api.do(admin, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "0", body["ui_total_deposits"])

	status, body = api.do(user, http.MethodPost, "/api/dev/faucet", map[string]string{"asset": usdc.Hex(), "ui_amount": "10"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "10", body["ui_amount"])

	status, body = api.do(user, http.MethodPost, vaultPath+"/deposits", map[string]string{
		"ui_amount": "2.5", "market_id": "election-2026", "position": "yes",
	})
	require.Equal(t, http.StatusOK, status, body)
	record := body["record"].(map[string]any)
	assert.Equal(t, "2.5", record["ui_amount"])
	assert.Equal(t, "yes", record["position"])
	assert.Equal(t, float64(2_500_000), record["amount"])

	status, body = api.do(nil, http.MethodGet, vaultPath, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2.5", body["ui_total_deposits"])
	assert.Equal(t, "USDC", body["symbol"])

	status, body = api.do(nil, http.MethodGet, vaultPath+"/positions?depositor="+user.Address().Hex()+"&position=yes", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["positions"], 1)

	status, body = api.do(nil, http.MethodGet, "/api/positions/"+record["address"].(string), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "election-2026", body["market_id"])

	status, body = api.do(user, http.MethodPost, vaultPath+"/withdrawals", map[string]string{
		"amount": "1000000", "market_id": "election-2026", "position": "yes",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "1.5", body["record"].(map[string]any)["ui_amount"])

	status, body = api.do(user, http.MethodPost, vaultPath+"/withdrawals", map[string]string{
		"ui_amount": "5", "record": record["address"].(string),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_funds", body["code"])

	status, body = api.do(nil, http.MethodGet, vaultPath+"/balances/"+user.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "8.5", body["ui_amount"])

	status, body = api.do(nil, http.MethodGet, vaultPath+"/reconcile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["consistent"])
}

func TestAPI_AuthErrors(t *testing.T) {
	t.Parallel()

	admin, user := signers(t)
	api := newTestAPI(t, admin.Address())

	status, body := api.do(nil, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "bad_signature", body["code"])

	status, body = api.do(user, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unauthorized", body["code"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	t.Parallel()

	admin, user := signers(t)
	api := newTestAPI(t, admin.Address())
	vaultPath := "/api/vaults/" + usdc.Hex()

	status, body := api.do(nil, http.MethodGet, vaultPath, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "vault_not_found", body["code"])

	status, _ = api.do(admin, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	require.Equal(t, http.StatusCreated, status)
	status, body = api.do(admin, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_initialized", body["code"])

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"zero amount", map[string]string{"amount": "0", "market_id": "m", "position": "no"}, http.StatusBadRequest, "invalid_amount"},
		{"too precise", map[string]string{"ui_amount": "0.0000001", "market_id": "m", "position": "no"}, http.StatusBadRequest, "invalid_amount"},
		{"bad position", map[string]string{"amount": "1", "market_id": "m", "position": "maybe"}, http.StatusBadRequest, "invalid_position"},
		{"long market", map[string]string{"amount": "1", "market_id": string(bytes.Repeat([]byte("x"), 65)), "position": "yes"}, http.StatusBadRequest, "market_id_too_long"},
		{"amount beyond u64", map[string]string{"amount": "18446744073709551616", "market_id": "m", "position": "yes"}, http.StatusUnprocessableEntity, "overflow"},
		{"ui amount beyond u64", map[string]string{"ui_amount": "18446744073709.551616", "market_id": "m", "position": "yes"}, http.StatusUnprocessableEntity, "overflow"},
		{"malformed amount", map[string]string{"amount": "12abc", "market_id": "m", "position": "yes"}, http.StatusBadRequest, "invalid_amount"},
		{"nul in market", map[string]string{"amount": "1", "market_id": "a\x00b", "position": "yes"}, http.StatusBadRequest, "invalid_market_id"},
		{"unknown field", map[string]string{"amount": "1", "market": "m", "position": "yes"}, http.StatusBadRequest, "bad_request"},
		{"no token account", map[string]string{"amount": "1", "market_id": "m", "position": "yes"}, http.StatusNotFound, "account_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(user, http.MethodPost, vaultPath+"/deposits", tt.body)
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	status, body = api.do(nil, http.MethodGet, "/api/positions/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])
}

func TestAPI_Activity(t *testing.T) {
	t.Parallel()

	admin, user := signers(t)
	api := newTestAPI(t, admin.Address())
	vaultPath := "/api/vaults/" + usdc.Hex()

	status, _ := api.do(admin, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	require.Equal(t, http.StatusCreated, status)
	status, _ = api.do(user, http.MethodPost, "/api/dev/faucet", map[string]string{"asset": usdc.Hex(), "ui_amount": "10"})
	require.Equal(t, http.StatusOK, status)

	status, body := api.do(user, http.MethodPost, vaultPath+"/deposits", map[string]string{
		"ui_amount": "3", "market_id": "m1", "position": "yes",
	})
	require.Equal(t, http.StatusOK, status, body)
	record := body["record"].(map[string]any)["address"].(string)
	status, _ = api.do(user, http.MethodPost, vaultPath+"/deposits", map[string]string{
		"ui_amount": "1", "market_id": "m2", "position": "no",
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = api.do(user, http.MethodPost, vaultPath+"/withdrawals", map[string]string{
		"ui_amount": "1", "record": record,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = api.do(nil, http.MethodGet, vaultPath+"/activity", nil)
	require.Equal(t, http.StatusOK, status, body)
	entries := body["entries"].([]any)
	require.Len(t, entries, 4)
	assert.Equal(t, "withdrawn", entries[0].(map[string]any)["event"])
	assert.Equal(t, "vault_initialized", entries[3].(map[string]any)["event"])

	status, body = api.do(nil, http.MethodGet, vaultPath+"/activity?record="+record, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["entries"], 2)

	status, body = api.do(nil, http.MethodGet, vaultPath+"/activity?actor="+user.Address().Hex()+"&event=deposited&limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	entries = body["entries"].([]any)
	require.Len(t, entries, 1)
	detail := entries[0].(map[string]any)["detail"].(map[string]any)
	assert.Equal(t, "m2", detail["market_id"])
	assert.Equal(t, float64(1), body["limit"])

	status, body = api.do(nil, http.MethodGet, "/api/vaults/"+programID.Hex()+"/activity", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["entries"])

	status, body = api.do(nil, http.MethodGet, vaultPath+"/activity?actor=nope", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])
}

func TestAPI_DevFreeze(t *testing.T) {
	t.Parallel()

	admin, user := signers(t)
	api := newTestAPI(t, admin.Address())
	vaultPath := "/api/vaults/" + usdc.Hex()
	dep := map[string]string{"ui_amount": "1", "market_id": "m", "position": "yes"}

	status, _ := api.do(admin, http.MethodPost, "/api/vaults", map[string]string{"asset": usdc.Hex()})
	require.Equal(t, http.StatusCreated, status)
	status, _ = api.do(user, http.MethodPost, "/api/dev/faucet", map[string]string{"asset": usdc.Hex(), "ui_amount": "5"})
	require.Equal(t, http.StatusOK, status)

	status, body := api.do(user, http.MethodPost, "/api/dev/freeze", map[string]any{"asset": usdc.Hex(), "frozen": true})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["account"].(map[string]any)["frozen"])

	status, body = api.do(user, http.MethodPost, vaultPath+"/deposits", dep)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "account_frozen", body["code"])

	status, _ = api.do(user, http.MethodPost, "/api/dev/freeze", map[string]any{"asset": usdc.Hex(), "frozen": false})
	require.Equal(t, http.StatusOK, status)
	status, body = api.do(user, http.MethodPost, vaultPath+"/deposits", dep)
	assert.Equal(t, http.StatusOK, status, body)

	status, body = api.do(user, http.MethodPost, "/api/dev/freeze", map[string]any{"asset": usdc.Hex()})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])

	status, body = api.do(nil, http.MethodPost, "/api/dev/freeze", map[string]any{"asset": usdc.Hex(), "frozen": true})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "bad_signature", body["code"])
}

func TestAPI_Snapshots(t *testing.T) {
	t.Parallel()

	admin, _ := signers(t)
	api := newTestAPI(t, admin.Address())
	ctx := context.Background()

	_, err := api.engine.Initialize(ctx, admin.Address(), usdc)
	require.NoError(t, err)
	snap, err := api.engine.Snapshot(ctx, usdc)
	require.NoError(t, err)
	path, err := api.snaps.Export(ctx, snap)
	require.NoError(t, err)

	status, body := api.do(nil, http.MethodGet, "/api/vaults/"+usdc.Hex()+"/snapshots", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["snapshots"], 1)

	name := path[len(path)-len("20260101T000000.000000000Z.jsonl"):]
	status, body = api.do(nil, http.MethodGet, "/api/vaults/"+usdc.Hex()+"/snapshots/"+name, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "ledger")

	status, _ = api.do(nil, http.MethodGet, "/api/vaults/"+usdc.Hex()+"/snapshots/missing.jsonl", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()

	admin, _ := signers(t)
	api := newTestAPI(t, admin.Address())

	status, body := api.do(nil, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["mode"])
}
