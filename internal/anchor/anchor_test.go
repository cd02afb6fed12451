package anchor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"AgentMarket-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

type staticCounters struct {
	jobs   uint64
	agents uint64
}

func (s *staticCounters) JobCounter(_ context.Context) (uint64, error) {
	return s.jobs, nil
}

func (s *staticCounters) GetAgentCount(_ context.Context) (uint64, error) {
	return s.agents, nil
}

func TestCheckpointChainsDigests(t *testing.T) {
	t.Parallel()

	bank := ledger.New()
	if err := bank.Mint(ledger.EscrowVault, big.NewInt(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	counters := &staticCounters{jobs: 7, agents: 3}
	anchorer := New(counters, counters, bank,
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	ctx := context.Background()

	first, err := anchorer.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", first.Sequence)
	}
	if first.JobCounter != 7 || first.AgentCount != 3 {
		t.Fatalf("checkpoint = %+v", first)
	}
	if first.EscrowBalance.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("escrow balance = %s, want 5000", first.EscrowBalance)
	}
	if first.Digest == (common.Hash{}) {
		t.Fatal("expected non-zero digest")
	}
	// 未配置 RPC 时不携带链上信息。
	if first.ChainID != "" || first.BlockNumber != "" {
		t.Fatalf("expected local-only checkpoint, got %+v", first)
	}

	counters.jobs = 9
	second, err := anchorer.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Sequence)
	}
	if second.Digest == first.Digest {
		t.Fatal("expected digest to change between checkpoints")
	}
	// 相同输入不同前序摘要必须产生不同结果。
	if chainDigest(first.Digest, 2, 9, 3, big.NewInt(5000)) != second.Digest {
		t.Fatal("digest must chain from the previous checkpoint")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	t.Parallel()

	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %d", len(defs.Chains))
	}
}
