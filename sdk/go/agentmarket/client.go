package agentmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentMarket REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller string
}

// Agent mirrors a registry record.
type Agent struct {
	Address         string `json:"address"`
	MetadataURI     string `json:"metadata_uri"`
	Capabilities    string `json:"capabilities"`
	Endpoint        string `json:"endpoint,omitempty"`
	StakeAmount     string `json:"stake_amount"`
	ReputationIndex uint64 `json:"reputation_index"`
	IsActive        bool   `json:"is_active"`
	RegisteredAt    int64  `json:"registered_at"`
}

// Job mirrors an escrow job record.
type Job struct {
	ID            uint64 `json:"id"`
	Master        string `json:"master"`
	Worker        string `json:"worker"`
	Price         string `json:"price"`
	State         uint8  `json:"state"`
	OutputHash    string `json:"output_hash"`
	ProofRef      string `json:"proof_ref,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	Deadline      int64  `json:"deadline"`
	FundsReleased bool   `json:"funds_released"`
	ReceiptHash   string `json:"receipt_hash"`
}

// Reputation mirrors a reputation record.
type Reputation struct {
	Score          uint64 `json:"score"`
	CompletedJobs  uint64 `json:"completed_jobs"`
	FailedJobs     uint64 `json:"failed_jobs"`
	TotalEarned    string `json:"total_earned"`
	SlashCount     uint64 `json:"slash_count"`
	LastUpdateTime int64  `json:"last_update_time"`
}

// AgentStats mirrors the aggregated reputation projection.
type AgentStats struct {
	SuccessRate uint64 `json:"success_rate"`
	TotalJobs   uint64 `json:"total_jobs"`
	TrustScore  uint64 `json:"trust_score"`
}

// ProtocolParams carries the protocol constants clients need to display
// stake requirements and settlement fees.
type ProtocolParams struct {
	MinimumStake          string `json:"minimum_stake"`
	PlatformFeePercentage uint64 `json:"platform_fee_percentage"`
}

// RegisterAgentRequest is the payload for agent registration.
type RegisterAgentRequest struct {
	MetadataURI  string `json:"metadata_uri"`
	Capabilities string `json:"capabilities"`
	Endpoint     string `json:"endpoint"`
	Stake        string `json:"stake"`
}

// CreateJobRequest is the payload for job creation.
type CreateJobRequest struct {
	Worker   string `json:"worker"`
	Price    string `json:"price"`
	Deadline int64  `json:"deadline"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMarket API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetCaller stores the address sent as the caller identity on state-changing
// calls.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// Caller returns the currently stored caller address.
func (c *Client) Caller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// RegisterAgent registers the caller as a marketplace agent.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", req, &agent, true); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// UpdateProfile replaces the caller's metadata, capabilities and endpoint.
func (c *Client) UpdateProfile(ctx context.Context, metadataURI, capabilities, endpoint string) error {
	payload := map[string]string{
		"metadata_uri": metadataURI,
		"capabilities": capabilities,
		"endpoint":     endpoint,
	}
	return c.put(ctx, "/api/v1/agents/profile", payload, nil, true)
}

// DepositStake adds stake for the caller and returns the new total.
func (c *Client) DepositStake(ctx context.Context, amount string) (string, error) {
	var out struct {
		NewTotal string `json:"new_total"`
	}
	if err := c.post(ctx, "/api/v1/agents/stake", map[string]string{"amount": amount}, &out, true); err != nil {
		return "", err
	}
	return out.NewTotal, nil
}

// WithdrawStake withdraws stake for the caller and returns the remainder.
func (c *Client) WithdrawStake(ctx context.Context, amount string) (string, error) {
	var out struct {
		Remaining string `json:"remaining"`
	}
	if err := c.post(ctx, "/api/v1/agents/stake/withdraw", map[string]string{"amount": amount}, &out, true); err != nil {
		return "", err
	}
	return out.Remaining, nil
}

// DeactivateAgent marks the caller inactive.
func (c *Client) DeactivateAgent(ctx context.Context) error {
	return c.post(ctx, "/api/v1/agents/deactivate", struct{}{}, nil, true)
}

// GetAgent fetches an agent record by address.
func (c *Client) GetAgent(ctx context.Context, address string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(address), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// GetAgentCount returns the number of registered addresses.
func (c *Client) GetAgentCount(ctx context.Context) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	if err := c.get(ctx, "/api/v1/agents/count", &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// IsAgentActive reports whether an address is an active agent.
func (c *Client) IsAgentActive(ctx context.Context, address string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(address)+"/active", &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

// CreateJob escrows payment for a new job assigned to worker.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/jobs", req, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// AcceptJob accepts the job as the assigned worker.
func (c *Client) AcceptJob(ctx context.Context, jobID uint64) error {
	return c.post(ctx, jobPath(jobID, "accept"), struct{}{}, nil, true)
}

// SubmitResult submits the job output digest and proof reference.
func (c *Client) SubmitResult(ctx context.Context, jobID uint64, outputHash, proofRef string) error {
	payload := map[string]string{"output_hash": outputHash, "proof_ref": proofRef}
	return c.post(ctx, jobPath(jobID, "submit"), payload, nil, true)
}

// ApproveAndRelease approves the result and settles the job.
func (c *Client) ApproveAndRelease(ctx context.Context, jobID uint64) (Job, error) {
	var job Job
	if err := c.post(ctx, jobPath(jobID, "approve"), struct{}{}, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// RejectAndSlash rejects the result, slashing slashAmount to the treasury.
func (c *Client) RejectAndSlash(ctx context.Context, jobID uint64, slashAmount string) (Job, error) {
	var job Job
	payload := map[string]string{"slash_amount": slashAmount}
	if err := c.post(ctx, jobPath(jobID, "slash"), payload, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// CancelJob cancels the job and refunds the escrowed payment.
func (c *Client) CancelJob(ctx context.Context, jobID uint64) (Job, error) {
	var job Job
	if err := c.post(ctx, jobPath(jobID, "cancel"), struct{}{}, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches a job record by id.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+strconv.FormatUint(jobID, 10), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJobsByMaster lists job ids created by the given master address.
func (c *Client) GetJobsByMaster(ctx context.Context, master string, limit int) ([]uint64, error) {
	return c.listJobs(ctx, "master", master, limit)
}

// GetJobsByWorker lists job ids assigned to the given worker address.
func (c *Client) GetJobsByWorker(ctx context.Context, worker string, limit int) ([]uint64, error) {
	return c.listJobs(ctx, "worker", worker, limit)
}

func (c *Client) listJobs(ctx context.Context, key, address string, limit int) ([]uint64, error) {
	endpoint := fmt.Sprintf("/api/v1/jobs?%s=%s&limit=%d", key, url.QueryEscape(address), limit)
	var out struct {
		Jobs []uint64 `json:"jobs"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetReputation fetches the full reputation record for an address.
func (c *Client) GetReputation(ctx context.Context, address string) (Reputation, error) {
	var record Reputation
	if err := c.get(ctx, "/api/v1/reputation/"+url.PathEscape(address), &record); err != nil {
		return Reputation{}, err
	}
	return record, nil
}

// GetTrustScore returns the stake-weighted trust score for an address.
func (c *Client) GetTrustScore(ctx context.Context, address string) (uint64, error) {
	var out struct {
		TrustScore uint64 `json:"trust_score"`
	}
	if err := c.get(ctx, "/api/v1/reputation/"+url.PathEscape(address)+"/trust", &out); err != nil {
		return 0, err
	}
	return out.TrustScore, nil
}

// GetAgentStats returns the aggregated reputation projection for an address.
func (c *Client) GetAgentStats(ctx context.Context, address string) (AgentStats, error) {
	var stats AgentStats
	if err := c.get(ctx, "/api/v1/reputation/"+url.PathEscape(address)+"/stats", &stats); err != nil {
		return AgentStats{}, err
	}
	return stats, nil
}

// GetProtocolParams returns the protocol constants (minimum stake, platform
// fee percentage) exposed by the node.
func (c *Client) GetProtocolParams(ctx context.Context) (ProtocolParams, error) {
	var params ProtocolParams
	if err := c.get(ctx, "/api/v1/params", &params); err != nil {
		return ProtocolParams{}, err
	}
	return params, nil
}

func jobPath(jobID uint64, action string) string {
	return "/api/v1/jobs/" + strconv.FormatUint(jobID, 10) + "/" + action
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withCaller bool) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out, withCaller)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any, withCaller bool) error {
	return c.send(ctx, http.MethodPut, endpoint, payload, out, withCaller)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any, withCaller bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body), withCaller)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withCaller bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withCaller {
		caller := c.Caller()
		if caller == "" {
			return nil, errors.New("agentmarket: caller address is not set")
		}
		req.Header.Set("X-Caller-Address", caller)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
