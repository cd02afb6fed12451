package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/params"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/reputation"

	"github.com/ethereum/go-ethereum/common"
)

const (
	masterAddr = "0x00000000000000000000000000000000000000Aa"
	workerAddr = "0x00000000000000000000000000000000000000Bb"
)

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
	t.Helper()

	bank := ledger.New()
	p := params.Default()
	now := time.Unix(1_700_000_000, 0)

	reg := registry.New(registry.NewMemoryStore(), bank, p,
		registry.WithClock(func() time.Time { return now }),
	)
	rep := reputation.New(reputation.NewMemoryStore(), p,
		reputation.WithStakeReader(reg),
		reputation.WithScoreMirror(reg),
	)
	esc := escrow.New(escrow.NewMemoryStore(), bank, reg, p,
		escrow.WithClock(func() time.Time { return now }),
		escrow.WithReputationSink(rep.NewSink()),
	)

	server := NewServer("", reg, esc, rep)
	mux := http.NewServeMux()
	server.registerRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, bank
}

func doJSON(t *testing.T, method, url, caller string, payload any) *http.Response {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAgentAndJobLifecycle(t *testing.T) {
	t.Parallel()

	ts, bank := newTestServer(t)
	minStake := params.Default().MinimumStake

	if err := bank.Mint(common.HexToAddress(masterAddr), big.NewInt(100_000)); err != nil {
		t.Fatalf("mint master: %v", err)
	}
	if err := bank.Mint(common.HexToAddress(workerAddr), minStake); err != nil {
		t.Fatalf("mint worker: %v", err)
	}

	// 工作方注册为智能体。
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/agents", workerAddr, map[string]string{
		"metadata_uri": "ipfs://meta",
		"capabilities": "translate",
		"stake":        minStake.String(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	agent := decode[map[string]any](t, resp)
	if agent["is_active"] != true {
		t.Fatalf("agent = %v", agent)
	}

	// 主控方创建任务。
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", masterAddr, map[string]any{
		"worker":   workerAddr,
		"price":    "1000",
		"deadline": 1_700_003_600,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}
	job := decode[map[string]any](t, resp)
	jobID := uint64(job["id"].(float64))
	if jobID != 1 {
		t.Fatalf("job id = %d, want 1", jobID)
	}

	// 接受、提交、验收。
	base := fmt.Sprintf("%s/api/v1/jobs/%d", ts.URL, jobID)
	resp = doJSON(t, http.MethodPost, base+"/accept", workerAddr, struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/submit", workerAddr, map[string]string{
		"output_hash": "0x0000000000000000000000000000000000000000000000000000000000000001",
		"proof_ref":   "ipfs://proof",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/approve", masterAddr, struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	settled := decode[map[string]any](t, resp)
	if settled["funds_released"] != true {
		t.Fatalf("settled = %v", settled)
	}

	// 结算后工作方应收到 950。
	if got := bank.BalanceOf(common.HexToAddress(workerAddr)); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("worker balance = %s, want 950", got)
	}

	// 信誉侧应记录一次成功。
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/reputation/"+workerAddr+"/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	stats := decode[map[string]any](t, resp)
	if stats["total_jobs"].(float64) != 1 || stats["success_rate"].(float64) != 10000 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestMissingCallerHeader(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", "", map[string]any{
		"worker": workerAddr, "price": "1", "deadline": 1_700_003_600,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownJobReturns404(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/42", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Code != "NOT_FOUND" {
		t.Fatalf("code = %s, want NOT_FOUND", body.Code)
	}
}

func TestInvalidCallerAddress(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/agents/deactivate", "not-an-address", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProtocolParamsExposed(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/params", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["minimum_stake"] != params.Default().MinimumStake.String() {
		t.Fatalf("minimum_stake = %v", body["minimum_stake"])
	}
	if body["platform_fee_percentage"].(float64) != 5 {
		t.Fatalf("platform_fee_percentage = %v", body["platform_fee_percentage"])
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
