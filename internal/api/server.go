package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/observability/metrics"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/reputation"

	"github.com/ethereum/go-ethereum/common"
)

// callerHeader 携带调用方地址。协议本身不做签名验证，身份由部署
// 方的接入层保证，这里只做格式校验。
const callerHeader = "X-Caller-Address"

// Server 负责暴露 REST 接口，供外部驱动市场协议。
type Server struct {
	addr       string
	registry   *registry.Registry
	escrow     *escrow.Escrow
	reputation *reputation.Manager
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reg *registry.Registry, esc *escrow.Escrow, rep *reputation.Manager) *Server {
	return &Server{addr: addr, registry: reg, escrow: esc, reputation: rep}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/params", s.instrument("params.get", s.handleProtocolParams))

	mux.HandleFunc("POST /api/v1/agents", s.instrument("agents.register", s.handleRegisterAgent))
	mux.HandleFunc("PUT /api/v1/agents/profile", s.instrument("agents.update_profile", s.handleUpdateProfile))
	mux.HandleFunc("POST /api/v1/agents/stake", s.instrument("agents.deposit_stake", s.handleDepositStake))
	mux.HandleFunc("POST /api/v1/agents/stake/withdraw", s.instrument("agents.withdraw_stake", s.handleWithdrawStake))
	mux.HandleFunc("POST /api/v1/agents/deactivate", s.instrument("agents.deactivate", s.handleDeactivate))
	mux.HandleFunc("GET /api/v1/agents/count", s.instrument("agents.count", s.handleAgentCount))
	mux.HandleFunc("GET /api/v1/agents-by-index/{index}", s.instrument("agents.by_index", s.handleAgentByIndex))
	mux.HandleFunc("GET /api/v1/agents/{address}", s.instrument("agents.get", s.handleGetAgent))
	mux.HandleFunc("GET /api/v1/agents/{address}/active", s.instrument("agents.is_active", s.handleIsAgentActive))

	mux.HandleFunc("POST /api/v1/jobs", s.instrument("jobs.create", s.handleCreateJob))
	mux.HandleFunc("GET /api/v1/jobs", s.instrument("jobs.list", s.handleListJobs))
	mux.HandleFunc("GET /api/v1/jobs/counter", s.instrument("jobs.counter", s.handleJobCounter))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.instrument("jobs.get", s.handleGetJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/accept", s.instrument("jobs.accept", s.handleAcceptJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/submit", s.instrument("jobs.submit", s.handleSubmitResult))
	mux.HandleFunc("POST /api/v1/jobs/{id}/approve", s.instrument("jobs.approve", s.handleApprove))
	mux.HandleFunc("POST /api/v1/jobs/{id}/slash", s.instrument("jobs.slash", s.handleSlash))
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.instrument("jobs.cancel", s.handleCancel))

	mux.HandleFunc("GET /api/v1/reputation/{address}", s.instrument("reputation.get", s.handleGetReputation))
	mux.HandleFunc("GET /api/v1/reputation/{address}/score", s.instrument("reputation.score", s.handleGetScore))
	mux.HandleFunc("GET /api/v1/reputation/{address}/trust", s.instrument("reputation.trust", s.handleGetTrustScore))
	mux.HandleFunc("GET /api/v1/reputation/{address}/stats", s.instrument("reputation.stats", s.handleGetStats))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录请求耗时与协议操作结果。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorBody 是统一的错误响应载荷。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将内部错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, op string, err error) {
	code := xerrors.CodeOf(err)
	metrics.ObserveProtocolOp(op, string(code))
	writeJSON(w, statusForCode(code), errorBody{
		Code:    string(code),
		Message: err.Error(),
	})
}

func writeOK(w http.ResponseWriter, op string, payload any) {
	metrics.ObserveProtocolOp(op, "ok")
	writeJSON(w, http.StatusOK, payload)
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInsufficientFunds, xerrors.CodeInsufficientStake:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, registry.CodeNotRegistered:
		return http.StatusNotFound
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case xerrors.CodeInvalidState, xerrors.CodeAlreadyProcessed, xerrors.CodeDeadlineExceeded,
		xerrors.CodeDeadlineNotReached, registry.CodeAlreadyRegistered, registry.CodeBelowMinimum:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// caller 解析并校验调用方地址头。
func caller(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(callerHeader)
	if raw == "" {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "缺少调用方地址头 "+callerHeader)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "调用方地址格式非法")
	}
	return common.HexToAddress(raw), nil
}

// pathAddress 解析路径中的地址参数。
func pathAddress(r *http.Request) (common.Address, error) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址格式非法")
	}
	return common.HexToAddress(raw), nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
