package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

type registerAgentRequest struct {
	MetadataURI  string `json:"metadata_uri"`
	Capabilities string `json:"capabilities"`
	Endpoint     string `json:"endpoint"`
	Stake        string `json:"stake"`
}

type updateProfileRequest struct {
	MetadataURI  string `json:"metadata_uri"`
	Capabilities string `json:"capabilities"`
	Endpoint     string `json:"endpoint"`
}

type stakeRequest struct {
	Amount string `json:"amount"`
}

type createJobRequest struct {
	Worker   string `json:"worker"`
	Price    string `json:"price"`
	Deadline int64  `json:"deadline"`
}

type submitResultRequest struct {
	OutputHash string `json:"output_hash"`
	ProofRef   string `json:"proof_ref"`
}

type slashRequest struct {
	SlashAmount string `json:"slash_amount"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	const op = "agents.register"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	stake, err := parseAmount(req.Stake, "stake")
	if err != nil {
		writeError(w, op, err)
		return
	}
	agent, err := s.registry.Register(r.Context(), addr, req.MetadataURI, req.Capabilities, req.Endpoint, stake)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, agent)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	const op = "agents.update_profile"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req updateProfileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	if err := s.registry.UpdateProfile(r.Context(), addr, req.MetadataURI, req.Capabilities, req.Endpoint); err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"status": "updated"})
}

func (s *Server) handleDepositStake(w http.ResponseWriter, r *http.Request) {
	const op = "agents.deposit_stake"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, op, err)
		return
	}
	newTotal, err := s.registry.DepositStake(r.Context(), addr, amount)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"new_total": newTotal.String()})
}

func (s *Server) handleWithdrawStake(w http.ResponseWriter, r *http.Request) {
	const op = "agents.withdraw_stake"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, op, err)
		return
	}
	remaining, err := s.registry.WithdrawStake(r.Context(), addr, amount)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"remaining": remaining.String()})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	const op = "agents.deactivate"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	if err := s.registry.Deactivate(r.Context(), addr); err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"status": "deactivated"})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	const op = "agents.get"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	agent, err := s.registry.GetAgent(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, agent)
}

func (s *Server) handleAgentCount(w http.ResponseWriter, r *http.Request) {
	const op = "agents.count"
	count, err := s.registry.GetAgentCount(r.Context())
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]uint64{"count": count})
}

func (s *Server) handleAgentByIndex(w http.ResponseWriter, r *http.Request) {
	const op = "agents.by_index"
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "序号格式非法"))
		return
	}
	addr, err := s.registry.GetAgentByIndex(r.Context(), index)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"address": addr.Hex()})
}

func (s *Server) handleIsAgentActive(w http.ResponseWriter, r *http.Request) {
	const op = "agents.is_active"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	active, err := s.registry.IsAgentActive(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]bool{"active": active})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.create"
	addr, err := caller(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	if !common.IsHexAddress(req.Worker) {
		writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "工作方地址格式非法"))
		return
	}
	price, err := parseAmount(req.Price, "price")
	if err != nil {
		writeError(w, op, err)
		return
	}
	job, err := s.escrow.CreateJob(r.Context(), addr, common.HexToAddress(req.Worker), price, req.Deadline)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, job)
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.accept"
	addr, jobID, err := callerAndJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	if err := s.escrow.AcceptJob(r.Context(), addr, jobID); err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"status": "accepted"})
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.submit"
	addr, jobID, err := callerAndJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req submitResultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	if err := s.escrow.SubmitResult(r.Context(), addr, jobID, common.HexToHash(req.OutputHash), req.ProofRef); err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]string{"status": "submitted"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.approve"
	addr, jobID, err := callerAndJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	job, err := s.escrow.ApproveAndRelease(r.Context(), addr, jobID)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, job)
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.slash"
	addr, jobID, err := callerAndJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	var req slashRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, op, err)
		return
	}
	slashAmount, ok := new(big.Int).SetString(req.SlashAmount, 10)
	if !ok || slashAmount.Sign() < 0 {
		writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "罚没金额格式非法"))
		return
	}
	job, err := s.escrow.RejectAndSlash(r.Context(), addr, jobID, slashAmount)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.cancel"
	addr, jobID, err := callerAndJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	job, err := s.escrow.CancelJob(r.Context(), addr, jobID)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.get"
	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	job, err := s.escrow.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, job)
}

func (s *Server) handleJobCounter(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.counter"
	counter, err := s.escrow.JobCounter(r.Context())
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]uint64{"counter": counter})
}

// handleListJobs 按 master 或 worker 查询任务号序列。
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	const op = "jobs.list"
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	if master := r.URL.Query().Get("master"); master != "" {
		if !common.IsHexAddress(master) {
			writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "master 地址格式非法"))
			return
		}
		ids, err := s.escrow.GetJobsByMaster(r.Context(), common.HexToAddress(master), limit)
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeOK(w, op, map[string][]uint64{"jobs": ids})
		return
	}
	if worker := r.URL.Query().Get("worker"); worker != "" {
		if !common.IsHexAddress(worker) {
			writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "worker 地址格式非法"))
			return
		}
		ids, err := s.escrow.GetJobsByWorker(r.Context(), common.HexToAddress(worker), limit)
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeOK(w, op, map[string][]uint64{"jobs": ids})
		return
	}
	writeError(w, op, xerrors.New(xerrors.CodeInvalidArgument, "需要提供 master 或 worker 查询参数"))
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	const op = "reputation.get"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	record, err := s.reputation.GetReputation(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, record)
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	const op = "reputation.score"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	score, err := s.reputation.GetReputationScore(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]uint64{"score": score})
}

func (s *Server) handleGetTrustScore(w http.ResponseWriter, r *http.Request) {
	const op = "reputation.trust"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	trust, err := s.reputation.GetTrustScore(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, map[string]uint64{"trust_score": trust})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	const op = "reputation.stats"
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, op, err)
		return
	}
	stats, err := s.reputation.GetAgentStats(r.Context(), addr)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeOK(w, op, stats)
}

// handleProtocolParams 暴露客户端展示质押与费率所需的协议常量。
func (s *Server) handleProtocolParams(w http.ResponseWriter, _ *http.Request) {
	const op = "params.get"
	writeOK(w, op, map[string]any{
		"minimum_stake":           s.registry.MinimumStake().String(),
		"platform_fee_percentage": s.escrow.PlatformFeePercentage(),
	})
}

func decodeBody(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// parseAmount 解析十进制 wei 金额。
func parseAmount(raw, field string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 金额格式非法")
	}
	return amount, nil
}

func pathJobID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "任务号格式非法")
	}
	return id, nil
}

func callerAndJobID(r *http.Request) (common.Address, uint64, error) {
	addr, err := caller(r)
	if err != nil {
		return common.Address{}, 0, err
	}
	jobID, err := pathJobID(r)
	if err != nil {
		return common.Address{}, 0, err
	}
	return addr, jobID, nil
}
