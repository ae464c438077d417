// Package main はstaticserveサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"staticserve/internal/config"
	"staticserve/internal/logging"
	"staticserve/internal/server"
)

// options はコマンドラインオプション
type options struct {
	configPath  string
	host        string
	port        int
	root        string
	mime        map[string]string
	index       []string
	noListing   bool
	sniff       bool
	maxConns    int
	logLevel    string
	logFormat   string
	noAccessLog bool
	metricsAddr string
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staticserve [port]",
		Short: "カレントディレクトリを配信する静的ファイルサーバー",
		Long: `staticserve はディレクトリ配下のファイルを HTTP で配信します。

port を指定しない場合は 8000 番で待ち受けます。
.mjs は application/javascript として配信されます。`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML設定ファイルのパス")
	flags.StringVar(&opts.host, "host", "", "サーバーのホスト (デフォルト: 全インターフェース)")
	flags.IntVarP(&opts.port, "port", "p", 8000, "サーバーのポート")
	flags.StringVarP(&opts.root, "root", "d", ".", "配信するディレクトリ")
	flags.StringToStringVar(&opts.mime, "mime", nil, "拡張子ごとの Content-Type (例: .wasm=application/wasm)")
	flags.StringSliceVar(&opts.index, "index", nil, "インデックスファイル名 (デフォルト: index.html,index.htm)")
	flags.BoolVar(&opts.noListing, "no-listing", false, "ディレクトリ一覧を無効にする")
	flags.BoolVar(&opts.sniff, "sniff", false, "未登録の拡張子は内容から Content-Type を推定する")
	flags.IntVar(&opts.maxConns, "max-conns", 0, "同時接続数の上限 (0 は無制限)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "ログ形式 (text, json)")
	flags.BoolVar(&opts.noAccessLog, "no-access-log", false, "アクセスログを出さない")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "メトリクスを公開するアドレス (例: 127.0.0.1:9100)")

	return cmd
}

// config は設定ファイルと環境変数を読み、指定されたオプションで上書きする
func (o *options) config(flags *pflag.FlagSet, args []string) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	// コマンドラインオプションで設定を上書き
	if flags.Changed("host") {
		cfg.Server.Host = o.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = o.port
	}
	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("無効なポート番号: %q", args[0])
		}
		cfg.Server.Port = port
	}
	if flags.Changed("root") {
		cfg.Files.Root = o.root
	}
	if len(o.mime) > 0 {
		if cfg.Files.MIMETypes == nil {
			cfg.Files.MIMETypes = make(map[string]string, len(o.mime))
		}
		for ext, typ := range o.mime {
			cfg.Files.MIMETypes[ext] = typ
		}
	}
	if flags.Changed("index") {
		cfg.Files.IndexFiles = o.index
	}
	if o.noListing {
		cfg.Files.Listing = false
	}
	if o.sniff {
		cfg.Files.SniffUnknown = true
	}
	if flags.Changed("max-conns") {
		cfg.Server.MaxConnections = o.maxConns
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.noAccessLog {
		cfg.Log.AccessLog = false
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// run はサーバーをバインドし、起動を知らせてから停止まで処理を続ける
func run(ctx context.Context, out io.Writer, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Fprintf(out, "serving at port %d\n", srv.Port())

	return srv.Serve(ctx)
}

func main() {
	gin.SetMode(gin.ReleaseMode)

	if err := newRootCmd(&options{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("エラー: %v", err))
		os.Exit(1)
	}
}
