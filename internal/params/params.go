package params

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Params 汇总协议的全局经济参数。所有金额均以结算货币的最小单位（wei）计。
type Params struct {
	// MinimumStake 是注册智能体时必须质押的最低金额。
	MinimumStake *big.Int
	// PlatformFeePercentage 是任务结算时平台抽成的整数百分比（0-100）。
	PlatformFeePercentage uint64
	// ScoreBaseline 是信誉分的初始基准值。
	ScoreBaseline uint64
	// ScoreRewardWeight 是每完成一单增加的信誉分。
	ScoreRewardWeight uint64
	// ScorePenaltyWeight 是每失败一单扣除的信誉分。
	ScorePenaltyWeight uint64
	// TrustStakeWeight 是质押每达到一个最低质押倍数时增加的信任分。
	TrustStakeWeight uint64
	// TrustStakeBonusCap 是质押加成的上限。
	TrustStakeBonusCap uint64
	// Treasury 是接收平台费与罚没金额的金库地址。
	Treasury common.Address
}

// fileParams models the structure of configs/params.yaml.
type fileParams struct {
	MinimumStakeWei       string `yaml:"minimum_stake_wei"`
	PlatformFeePercentage uint64 `yaml:"platform_fee_percentage"`
	ScoreBaseline         uint64 `yaml:"score_baseline"`
	ScoreRewardWeight     uint64 `yaml:"score_reward_weight"`
	ScorePenaltyWeight    uint64 `yaml:"score_penalty_weight"`
	TrustStakeWeight      uint64 `yaml:"trust_stake_weight"`
	TrustStakeBonusCap    uint64 `yaml:"trust_stake_bonus_cap"`
	Treasury              string `yaml:"treasury"`
}

// 默认值与原始合约部署保持一致：最低质押 0.01 ether，平台费 5%。
const (
	defaultMinimumStakeWei    = "10000000000000000"
	defaultFeePercentage      = 5
	defaultScoreBaseline      = 100
	defaultScoreRewardWeight  = 10
	defaultScorePenaltyWeight = 25
	defaultTrustStakeWeight   = 5
	defaultTrustStakeBonusCap = 50
)

// defaultTreasury 是未配置金库时使用的保留地址。
var defaultTreasury = common.HexToAddress("0x000000000000000000000000000000000000fEE5")

// Default 返回与原始合约常量一致的默认参数。
func Default() Params {
	stake, _ := new(big.Int).SetString(defaultMinimumStakeWei, 10)
	return Params{
		MinimumStake:          stake,
		PlatformFeePercentage: defaultFeePercentage,
		ScoreBaseline:         defaultScoreBaseline,
		ScoreRewardWeight:     defaultScoreRewardWeight,
		ScorePenaltyWeight:    defaultScorePenaltyWeight,
		TrustStakeWeight:      defaultTrustStakeWeight,
		TrustStakeBonusCap:    defaultTrustStakeBonusCap,
		Treasury:              defaultTreasury,
	}
}

// Load 解析 YAML 参数文件。路径为空时返回默认参数。
func Load(path string) (Params, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("读取协议参数文件失败: %w", err)
	}

	var raw fileParams
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return Params{}, fmt.Errorf("解析协议参数文件失败: %w", err)
	}

	p := Default()
	if strings.TrimSpace(raw.MinimumStakeWei) != "" {
		stake, ok := new(big.Int).SetString(strings.TrimSpace(raw.MinimumStakeWei), 10)
		if !ok || stake.Sign() < 0 {
			return Params{}, fmt.Errorf("非法的最低质押金额: %s", raw.MinimumStakeWei)
		}
		p.MinimumStake = stake
	}
	if raw.PlatformFeePercentage > 0 {
		p.PlatformFeePercentage = raw.PlatformFeePercentage
	}
	if raw.ScoreBaseline > 0 {
		p.ScoreBaseline = raw.ScoreBaseline
	}
	if raw.ScoreRewardWeight > 0 {
		p.ScoreRewardWeight = raw.ScoreRewardWeight
	}
	if raw.ScorePenaltyWeight > 0 {
		p.ScorePenaltyWeight = raw.ScorePenaltyWeight
	}
	if raw.TrustStakeWeight > 0 {
		p.TrustStakeWeight = raw.TrustStakeWeight
	}
	if raw.TrustStakeBonusCap > 0 {
		p.TrustStakeBonusCap = raw.TrustStakeBonusCap
	}
	if treasury := strings.TrimSpace(raw.Treasury); treasury != "" {
		if !common.IsHexAddress(treasury) {
			return Params{}, fmt.Errorf("非法的金库地址: %s", treasury)
		}
		p.Treasury = common.HexToAddress(treasury)
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate 校验参数之间的约束。
func (p Params) Validate() error {
	if p.MinimumStake == nil || p.MinimumStake.Sign() <= 0 {
		return fmt.Errorf("最低质押金额必须为正数")
	}
	if p.PlatformFeePercentage > 100 {
		return fmt.Errorf("平台费率不能超过 100%%: %d", p.PlatformFeePercentage)
	}
	if p.Treasury == (common.Address{}) {
		return fmt.Errorf("金库地址不能为零地址")
	}
	return nil
}

// PlatformFee 计算指定价格对应的平台费，整数向下取整。
func (p Params) PlatformFee(price *big.Int) *big.Int {
	if price == nil || price.Sign() <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(p.PlatformFeePercentage))
	return fee.Div(fee, big.NewInt(100))
}
