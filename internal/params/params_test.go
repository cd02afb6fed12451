package params

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultMatchesDeployConstants(t *testing.T) {
	t.Parallel()

	p := Default()
	wantStake, _ := new(big.Int).SetString("10000000000000000", 10)
	if p.MinimumStake.Cmp(wantStake) != 0 {
		t.Fatalf("minimum stake = %s, want 0.01 ether", p.MinimumStake)
	}
	if p.PlatformFeePercentage != 5 {
		t.Fatalf("fee = %d, want 5", p.PlatformFeePercentage)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
}

func TestPlatformFeeFloors(t *testing.T) {
	t.Parallel()

	p := Default()
	cases := []struct {
		price int64
		want  int64
	}{
		{1000, 50},
		{19, 0},
		{20, 1},
		{21, 1},
		{0, 0},
	}
	for _, tc := range cases {
		got := p.PlatformFee(big.NewInt(tc.price))
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("fee(%d) = %s, want %d", tc.price, got, tc.want)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "params.yaml")
	content := `minimum_stake_wei: "5000"
platform_fee_percentage: 10
treasury: "0x00000000000000000000000000000000000000f1"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.MinimumStake.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("minimum stake = %s, want 5000", p.MinimumStake)
	}
	if p.PlatformFeePercentage != 10 {
		t.Fatalf("fee = %d, want 10", p.PlatformFeePercentage)
	}
	if p.Treasury != common.HexToAddress("0x00000000000000000000000000000000000000f1") {
		t.Fatalf("treasury = %s", p.Treasury.Hex())
	}
	// 未覆盖的字段保持默认。
	if p.ScoreBaseline != 100 {
		t.Fatalf("baseline = %d, want 100", p.ScoreBaseline)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()

	p, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.MinimumStake.Cmp(Default().MinimumStake) != 0 {
		t.Fatal("expected default params")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte(`platform_fee_percentage: 101`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected fee > 100 to be rejected")
	}
}
