package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xchain-radar/internal/flows"
	"xchain-radar/internal/ledger"
	"xchain-radar/internal/narrative"
)

// SimulateOptions configure an offline pipeline run.
type SimulateOptions struct {
	FlowsPath string
	Day       time.Time
	Chain     string
	// Notify delivers the briefing through the configured notifier.
	Notify bool
}

// Simulate 使用 CSV 样本、模板叙述与内存账本跑一次完整流程，不依赖任何外部服务。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.FlowsPath == "" {
		return errors.New("--flows 必须指定 CSV 文件")
	}
	rows, err := flows.LoadCSVFile(opts.FlowsPath)
	if err != nil {
		return err
	}
	source := flows.NewMemorySource(rows...)

	chain := opts.Chain
	if chain == "" {
		chain = a.Config.Pipeline.Chain
	}
	day := opts.Day
	if day.IsZero() {
		known := source.Days(chain)
		if len(known) == 0 {
			return fmt.Errorf("CSV 中没有 %s 的数据", chain)
		}
		day = known[len(known)-1]
	}

	cfg := *a.Config
	cfg.Alerting.Enabled = opts.Notify && a.Config.Alerting.Enabled
	sim := &App{Config: &cfg, Logger: a.Logger}

	memLedger := ledger.NewMemory()
	rt, err := sim.build(ctx, buildOptions{
		Source:     source,
		Ledger:     memLedger,
		Summarizer: narrative.Template{},
		Memory:     true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.pipeline.Explain(ctx, day, chain, true)
	if err != nil {
		return err
	}
	printBriefing(out.Briefing)
	printVerdict(out.Verdict)
	if out.Commitment != nil {
		printCommitment(*out.Commitment)
	}

	// 再次提交应命中幂等短路。
	again, err := rt.pipeline.Explain(ctx, day, chain, true)
	if err != nil {
		return err
	}
	if again.Commitment != nil {
		printCommitment(*again.Commitment)
	}
	a.Logger.Info().Int("submissions", len(memLedger.Submissions())).Msg("simulation finished")
	return nil
}
