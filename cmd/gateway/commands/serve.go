package commands

import (
	"github.com/nao1215/gateway/internal/gateway"
	"github.com/nao1215/gateway/internal/logging"
	"github.com/spf13/cobra"
)

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "ゲートウェイを起動する",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
}

// runServe はシグナルを受け取るまでゲートウェイを動かす。
func (c *CLI) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, logFile, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx := cmd.Context()
	server, err := gateway.New(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("ゲートウェイの初期化に失敗")
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn().Err(err).Msg("資源の解放に失敗")
		}
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("ゲートウェイが異常終了")
		return err
	}
	logger.Info().Msg("ゲートウェイを停止しました")
	return nil
}
