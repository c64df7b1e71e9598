// Package commands はゲートウェイのCLIコマンドを提供する。
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nao1215/gateway/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// 設定ファイルのパスを指定する環境変数。
const envConfigPath = "GATEWAY_CONFIG"

// CLI はゲートウェイのコマンドラインインターフェース。
type CLI struct {
	rootCmd *cobra.Command
	opts    *globalOptions
}

// globalOptions は全サブコマンドで共通のフラグ。
type globalOptions struct {
	configPath string
	port       int
	logLevel   string
}

// New はCLIを生成する。サブコマンドを省略した場合は serve を実行する。
func New() *CLI {
	c := &CLI{opts: &globalOptions{}}

	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "マイクロサービス群の前段に立つAPI Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.runServe,
	}
	c.opts.bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newValidateCmd())
	rootCmd.AddCommand(c.newTokenCmd())

	c.rootCmd = rootCmd
	return c
}

func (o *globalOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv(envConfigPath), "設定ファイルのパス（YAMLまたはOcelot形式のJSON）")
	fs.IntVar(&o.port, "port", 0, "待ち受けポート。設定ファイルと環境変数PORTより優先する")
	fs.StringVar(&o.logLevel, "log-level", "", "ログレベル（trace, debug, info, warn, error）")
}

// Execute はコンテキストを渡してルートコマンドを実行する。
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs はコマンドライン引数を設定する。テストで使用する。
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput は標準出力の書き込み先を設定する。テストで使用する。
func (c *CLI) SetOutput(w io.Writer) {
	c.rootCmd.SetOut(w)
}

// loadConfig は設定ファイルを読み込み、フラグによる上書きを適用する。
func (c *CLI) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = c.opts.port
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = c.opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}
