package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/gateway/internal/auth"
	"github.com/spf13/cobra"
)

// tokenOptions は token コマンドのフラグ。
type tokenOptions struct {
	subject string
	roles   []string
	ttl     time.Duration
}

// newTokenCmd は開発用のトークンを発行するコマンドを返す。
// 設定の署名鍵で署名するため、ゲートウェイがそのまま受け付ける。
func (c *CLI) newTokenCmd() *cobra.Command {
	o := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のBearerトークンを発行する（HMAC署名の場合のみ）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runToken(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.subject, "subject", "", "トークンのサブジェクト（ユーザーID）")
	cmd.Flags().StringSliceVar(&o.roles, "roles", nil, "付与するロール（カンマ区切り）")
	cmd.Flags().DurationVar(&o.ttl, "ttl", time.Hour, "有効期間")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func (c *CLI) runToken(cmd *cobra.Command, o *tokenOptions) error {
	if o.ttl <= 0 {
		return errors.New("--ttl は正の値で指定してください")
	}
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		return fmt.Errorf("トークンを発行できません: %w", err)
	}
	token, err := issuer.Issue(o.subject, o.roles, o.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
