// Package reporter 定期把运行中的机器人和行情快照渲染成表格写入日志
package reporter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/statemanager"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// WorkerSource 列出当前注册的 worker
type WorkerSource interface {
	Workers() []statemanager.WorkerInfo
}

// SnapshotSource 提供被跟踪交易对的最新快照
type SnapshotSource interface {
	Symbols() []string
	GetSnapshot(symbol string) (*models.MarketSnapshot, error)
}

// Reporter 周期性输出引擎状态报告
type Reporter struct {
	workers   WorkerSource
	snapshots SnapshotSource
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建报告器, interval <= 0 时 Run 直接返回
func New(workers WorkerSource, snapshots SnapshotSource, interval time.Duration, logger *zap.Logger) *Reporter {
	return &Reporter{
		workers:   workers,
		snapshots: snapshots,
		interval:  interval,
		logger:    logger.Named("reporter"),
		now:       time.Now,
	}
}

// Run 每隔 interval 输出一次报告, 直到 ctx 结束
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.logger.Info("========== 引擎状态报告 ==========\n" + r.Render())
		}
	}
}

// Render 返回 worker 表和行情表
func (r *Reporter) Render() string {
	var b strings.Builder
	b.WriteString(r.workerTable())
	b.WriteString("\n")
	b.WriteString(r.marketTable())
	return b.String()
}

func (r *Reporter) workerTable() string {
	workers := r.workers.Workers()
	now := r.now()

	t := table.NewWriter()
	t.SetTitle("运行中的机器人")
	t.AppendHeader(table.Row{"策略", "机器人", "启动时间", "运行时长"})
	perKind := make(map[models.StrategyKind]int)
	for _, w := range workers {
		perKind[w.Kind]++
		_, id, _ := strings.Cut(w.Key, "/")
		t.AppendRow(table.Row{w.Kind, id, w.StartedAt.Format("2006-01-02 15:04:05"), now.Sub(w.StartedAt).Truncate(time.Second)})
	}

	kinds := make([]string, 0, len(perKind))
	for k, n := range perKind {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(kinds)
	t.AppendFooter(table.Row{"合计", len(workers), strings.Join(kinds, " "), ""})
	t.SetStyle(table.StyleLight)
	return t.Render()
}

func (r *Reporter) marketTable() string {
	t := table.NewWriter()
	t.SetTitle("行情快照")
	t.AppendHeader(table.Row{"交易对", "最新价", "买一", "卖一", "序号", "快照时间"})
	symbols := r.snapshots.Symbols()
	sort.Strings(symbols)
	for _, s := range symbols {
		snap, err := r.snapshots.GetSnapshot(s)
		if err != nil {
			t.AppendRow(table.Row{s, "-", "-", "-", "-", "不可用"})
			continue
		}
		t.AppendRow(table.Row{
			s,
			fmt.Sprintf("%.8f", snap.LastPrice),
			fmt.Sprintf("%.8f", snap.BestBid),
			fmt.Sprintf("%.8f", snap.BestAsk),
			snap.Sequence,
			snap.Timestamp.Format("15:04:05"),
		})
	}
	t.SetStyle(table.StyleLight)
	return t.Render()
}
