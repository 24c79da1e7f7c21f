package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/extension-analysis/extension-analysis-go/internal/crx"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// AnalysisConfig 分析引擎配置
type AnalysisConfig struct {
	CacheSize        int    `mapstructure:"cache_size"`         // 结果缓存容量，0 关闭
	CalibrationFile  string `mapstructure:"calibration_file"`   // 分类器校准 YAML，可选
	MaxContainerMB   int    `mapstructure:"max_container_mb"`   // 安装包大小上限
	MaxFiles         int    `mapstructure:"max_files"`          // 包内文件数上限
	MaxFileMB        int    `mapstructure:"max_file_mb"`        // 单文件解压上限
	MaxTotalMB       int    `mapstructure:"max_total_mb"`       // 解压总量上限
	UploadDir        string `mapstructure:"upload_dir"`         // 上传文件保存目录
	ArtifactRoot     string `mapstructure:"artifact_root"`      // 按路径提交时的根目录
	PersistAttempts  int    `mapstructure:"persist_attempts"`   // 保存结果的重试次数
	PersistBackoffMS int    `mapstructure:"persist_backoff_ms"` // 重试初始间隔
}

// Limits 转换为解包限制
func (a AnalysisConfig) Limits() crx.Limits {
	l := crx.DefaultLimits
	if a.MaxContainerMB > 0 {
		l.MaxContainerSize = a.MaxContainerMB << 20
	}
	if a.MaxFiles > 0 {
		l.MaxFiles = a.MaxFiles
	}
	if a.MaxFileMB > 0 {
		l.MaxFileSize = int64(a.MaxFileMB) << 20
	}
	if a.MaxTotalMB > 0 {
		l.MaxTotalSize = int64(a.MaxTotalMB) << 20
	}
	return l
}

// WatcherConfig 投递目录监控
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	Pattern    string `mapstructure:"pattern"`
	DebounceMS int    `mapstructure:"debounce_ms"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/scans.db")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "")
	v.SetDefault("rabbitmq.queue", "extension_scans")

	v.SetDefault("analysis.cache_size", 256)
	v.SetDefault("analysis.upload_dir", "data/uploads")
	v.SetDefault("analysis.persist_attempts", 3)
	v.SetDefault("analysis.persist_backoff_ms", 200)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "data/inbox")
	v.SetDefault("watcher.pattern", "*.crx")
	v.SetDefault("watcher.debounce_ms", 2000)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取 YAML 配置；path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（EXTSCAN_SERVER_PORT 之类）
	v.SetEnvPrefix("EXTSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 沿用通用的服务凭据变量名
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
