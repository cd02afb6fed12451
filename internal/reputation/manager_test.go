package reputation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"AgentMarket-Chain/internal/params"

	"github.com/ethereum/go-ethereum/common"
)

var agent = common.HexToAddress("0x00000000000000000000000000000000000000d1")

type staticStakes struct {
	stakes map[common.Address]*big.Int
}

func (s *staticStakes) StakeOf(_ context.Context, addr common.Address) (*big.Int, error) {
	if stake, ok := s.stakes[addr]; ok {
		return new(big.Int).Set(stake), nil
	}
	return new(big.Int), nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *Sink) {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })}
	m := New(NewMemoryStore(), params.Default(), append(base, opts...)...)
	return m, m.NewSink()
}

func TestUnknownAddressHasBaselineProfile(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	record, err := m.GetReputation(context.Background(), agent)
	if err != nil {
		t.Fatalf("get reputation: %v", err)
	}
	if record.Score != params.Default().ScoreBaseline {
		t.Fatalf("score = %d, want baseline %d", record.Score, params.Default().ScoreBaseline)
	}
	if record.CompletedJobs != 0 || record.FailedJobs != 0 || record.SlashCount != 0 {
		t.Fatalf("expected empty counters, got %+v", record)
	}
}

func TestScoreIsFunctionOfOutcomeCounts(t *testing.T) {
	t.Parallel()

	m, sink := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := sink.NotifySuccess(ctx, agent, big.NewInt(950)); err != nil {
			t.Fatalf("notify success: %v", err)
		}
	}
	if err := sink.NotifyFailure(ctx, agent, big.NewInt(400)); err != nil {
		t.Fatalf("notify failure: %v", err)
	}

	// 100 + 3*10 - 1*25 = 105
	score, err := m.GetReputationScore(ctx, agent)
	if err != nil {
		t.Fatalf("get score: %v", err)
	}
	if score != 105 {
		t.Fatalf("score = %d, want 105", score)
	}

	record, err := m.GetReputation(ctx, agent)
	if err != nil {
		t.Fatalf("get reputation: %v", err)
	}
	if record.CompletedJobs != 3 || record.FailedJobs != 1 || record.SlashCount != 1 {
		t.Fatalf("counters = %+v", record)
	}
	if record.TotalEarned.Cmp(big.NewInt(2850)) != 0 {
		t.Fatalf("total earned = %s, want 2850", record.TotalEarned)
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	t.Parallel()

	m, sink := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := sink.NotifyFailure(ctx, agent, big.NewInt(1)); err != nil {
			t.Fatalf("notify failure: %v", err)
		}
	}
	score, err := m.GetReputationScore(ctx, agent)
	if err != nil {
		t.Fatalf("get score: %v", err)
	}
	if score != 0 {
		t.Fatalf("score = %d, want 0", score)
	}
}

func TestSuccessRateBasisPoints(t *testing.T) {
	t.Parallel()

	m, sink := newTestManager(t)
	ctx := context.Background()

	// 无任务时成功率为 0。
	stats, err := m.GetAgentStats(ctx, agent)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.SuccessRate != 0 || stats.TotalJobs != 0 {
		t.Fatalf("empty stats = %+v", stats)
	}

	for i := 0; i < 2; i++ {
		_ = sink.NotifySuccess(ctx, agent, big.NewInt(1))
	}
	_ = sink.NotifyFailure(ctx, agent, big.NewInt(1))

	stats, err = m.GetAgentStats(ctx, agent)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalJobs != 3 {
		t.Fatalf("total jobs = %d, want 3", stats.TotalJobs)
	}
	// 2/3 以万分比表示并向下取整。
	if stats.SuccessRate != 6666 {
		t.Fatalf("success rate = %d, want 6666", stats.SuccessRate)
	}
}

func TestTrustScoreStakeBonus(t *testing.T) {
	t.Parallel()

	minStake := params.Default().MinimumStake
	stakes := &staticStakes{stakes: map[common.Address]*big.Int{
		agent: new(big.Int).Mul(minStake, big.NewInt(3)),
	}}
	m, _ := newTestManager(t, WithStakeReader(stakes))
	ctx := context.Background()

	// 基准分 100 + 3 倍质押 * 每倍 5 分 = 115。
	trust, err := m.GetTrustScore(ctx, agent)
	if err != nil {
		t.Fatalf("get trust: %v", err)
	}
	if trust != 115 {
		t.Fatalf("trust = %d, want 115", trust)
	}
}

func TestTrustScoreBonusCapped(t *testing.T) {
	t.Parallel()

	minStake := params.Default().MinimumStake
	stakes := &staticStakes{stakes: map[common.Address]*big.Int{
		agent: new(big.Int).Mul(minStake, big.NewInt(1000)),
	}}
	m, _ := newTestManager(t, WithStakeReader(stakes))

	trust, err := m.GetTrustScore(context.Background(), agent)
	if err != nil {
		t.Fatalf("get trust: %v", err)
	}
	want := params.Default().ScoreBaseline + params.Default().TrustStakeBonusCap
	if trust != want {
		t.Fatalf("trust = %d, want capped %d", trust, want)
	}
}

func TestTrustScoreWithoutStakeReader(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	trust, err := m.GetTrustScore(context.Background(), agent)
	if err != nil {
		t.Fatalf("get trust: %v", err)
	}
	if trust != params.Default().ScoreBaseline {
		t.Fatalf("trust = %d, want baseline only", trust)
	}
}

type recordingMirror struct {
	scores []uint64
}

func (m *recordingMirror) MirrorReputation(_ context.Context, _ common.Address, score uint64) error {
	m.scores = append(m.scores, score)
	return nil
}

func TestScoreMirroredOnChange(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{}
	_, sink := newTestManager(t, WithScoreMirror(mirror))
	ctx := context.Background()

	if err := sink.NotifySuccess(ctx, agent, big.NewInt(1)); err != nil {
		t.Fatalf("notify success: %v", err)
	}
	if len(mirror.scores) != 1 || mirror.scores[0] != 110 {
		t.Fatalf("mirrored scores = %v, want [110]", mirror.scores)
	}
}
