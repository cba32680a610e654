package cli

import (
	"github.com/spf13/cobra"

	"xchain-radar/internal/app"
)

var (
	simulateFlows  string
	simulateDay    string
	simulateChain  string
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用 CSV 样本离线跑一次完整流程（模板叙述 + 内存账本）",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay("day", simulateDay)
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			FlowsPath: simulateFlows,
			Day:       day,
			Chain:     simulateChain,
			Notify:    simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFlows, "flows", "", "flows_daily CSV 文件")
	simulateCmd.Flags().StringVar(&simulateDay, "day", "", "目标日期 (YYYY-MM-DD，默认取 CSV 中最新一天)")
	simulateCmd.Flags().StringVar(&simulateChain, "chain", "", "链名 (默认 pipeline.chain)")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道推送简报")
}
