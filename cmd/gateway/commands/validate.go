package commands

import (
	"fmt"
	"strings"

	"github.com/nao1215/gateway/internal/gateway"
	"github.com/nao1215/gateway/internal/route"
	"github.com/spf13/cobra"
)

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "設定ファイルを検証し、ルートの一覧を表示する",
		Args:  cobra.NoArgs,
		RunE:  c.runValidate,
	}
}

func (c *CLI) runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	table, err := route.NewTable(cfg.Routes, route.WithReservedPaths(gateway.ReservedPaths...))
	if err != nil {
		return fmt.Errorf("ルート定義が不正です: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, r := range table.Routes() {
		methods := "*"
		if len(r.Methods) > 0 {
			methods = strings.Join(r.Methods, ",")
		}
		targets := make([]string, 0, len(r.Targets))
		for _, t := range r.Targets {
			targets = append(targets, t.BaseURL())
		}
		fmt.Fprintf(out, "%-20s %-12s %-32s -> %s", r.Name, methods, r.Pattern, strings.Join(targets, ", "))
		if r.RequiresAuth {
			fmt.Fprint(out, " [auth]")
		}
		if r.Cache.Enabled {
			fmt.Fprintf(out, " [cache %s]", r.Cache.TTL)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "設定は有効です: ルート %d 件、依存先 %d 件\n", table.Len(), len(cfg.Health.Dependencies))
	return nil
}
