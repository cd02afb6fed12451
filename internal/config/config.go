package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了市场节点在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig      `json:"server"`
	Storage StorageConfig     `json:"storage"`
	Events  EventStreamConfig `json:"events"`
	Params  ParamsConfig      `json:"params"`
	Anchor  AnchorConfig      `json:"anchor"`
	Runtime RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述协议状态后端的连接信息。三个组件共用同一
// 套驱动与 DSN。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventStreamConfig 描述协议事件的外发通道。
type EventStreamConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接信息。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// ParamsConfig 指向协议经济参数文件。
type ParamsConfig struct {
	Path string `json:"path"`
}

// AnchorConfig 控制检查点锚定。
type AnchorConfig struct {
	Enabled    bool   `json:"enabled"`
	ChainsPath string `json:"chains_path"`
	Chain      string `json:"chain"`
	IntervalMS int    `json:"interval_ms"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Queue == "" {
		c.Events.Redis.Queue = "agentmarket:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "agentmarket.events"
	}

	if c.Params.Path != "" && !filepath.IsAbs(c.Params.Path) {
		c.Params.Path = filepath.Join(baseDir, c.Params.Path)
	}
	if c.Anchor.ChainsPath != "" && !filepath.IsAbs(c.Anchor.ChainsPath) {
		c.Anchor.ChainsPath = filepath.Join(baseDir, c.Anchor.ChainsPath)
	}
	if c.Anchor.IntervalMS <= 0 {
		c.Anchor.IntervalMS = 60000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
