package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Files   FilesConfig   `yaml:"files"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト (空なら全インターフェース)
	Port int    `yaml:"port"` // リッスンするポート番号 (0 ならランダム)

	// タイムアウト設定 (0 は無効)
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	MaxConnections int `yaml:"max_connections"` // 同時接続数の上限 (0 は無制限)
}

// FilesConfig は配信するファイルの設定
type FilesConfig struct {
	Root         string            `yaml:"root"`          // ルートディレクトリ
	IndexFiles   []string          `yaml:"index_files"`   // ディレクトリで探すインデックスファイル
	Listing      bool              `yaml:"listing"`       // ディレクトリ一覧を返すか
	SniffUnknown bool              `yaml:"sniff_unknown"` // 未登録拡張子の内容から型を推定するか
	MIMETypes    map[string]string `yaml:"mime_types"`    // 拡張子ごとの Content-Type 上書き
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // text または json
	AccessLog bool   `yaml:"access_log"` // リクエストごとのログを出すか
}

// MetricsConfig はメトリクス公開の設定
type MetricsConfig struct {
	Addr string `yaml:"addr"` // 空なら無効
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "",
			Port:              8000,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Files: FilesConfig{
			Root:       ".",
			IndexFiles: []string{"index.html", "index.htm"},
			Listing:    true,
			MIMETypes: map[string]string{
				".mjs": "application/javascript",
			},
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			AccessLog: true,
		},
	}
}

// Load は設定を読み込む
// path が空でなければ YAML ファイルを読み、環境変数で上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
		}
	}

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Files.Root = getEnvOrDefault("SERVE_ROOT", cfg.Files.Root)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// decode は YAML をデフォルト値の上に重ねる
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("無効な同時接続数: %d", c.Server.MaxConnections)
	}
	for name, d := range map[string]time.Duration{
		"read_timeout":        c.Server.ReadTimeout,
		"read_header_timeout": c.Server.ReadHeaderTimeout,
		"write_timeout":       c.Server.WriteTimeout,
		"idle_timeout":        c.Server.IdleTimeout,
		"shutdown_timeout":    c.Server.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s が負の値です: %s", name, d)
		}
	}

	// ファイル設定の検証
	if c.Files.Root == "" {
		return errors.New("ルートディレクトリが指定されていません")
	}
	for _, name := range c.Files.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("無効なインデックスファイル名: %q", name)
		}
	}
	for ext, typ := range c.Files.MIMETypes {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("拡張子はドットで始める必要があります: %q", ext)
		}
		if typ == "" {
			return fmt.Errorf("拡張子 %s の Content-Type が空です", ext)
		}
	}

	// ログ設定の検証
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("無効なログ形式: %q", c.Log.Format)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
