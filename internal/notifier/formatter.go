package notifier

import (
	"fmt"
	"strings"

	"KlineVault/internal/model"
)

// maxListed caps the symbols listed per state in a summary.
const maxListed = 20

// FormatRunReport formats a run summary into a Telegram message.
func FormatRunReport(r *model.RunReport) string {
	var b strings.Builder

	title := "日线增量更新"
	if r.Mode == model.ModeInitial {
		title = "日线初始加载"
	}
	b.WriteString(fmt.Sprintf("📦 <b>KlineVault %s</b> | %s\n\n", title, r.StartedAt.Format("2006-01-02 15:04")))

	b.WriteString(fmt.Sprintf("✅ 已入库: %d\n", r.Count(model.StatePersisted)))
	b.WriteString(fmt.Sprintf("⚠️ 数据缺口: %d\n", r.Count(model.StateGapReported)))
	b.WriteString(fmt.Sprintf("❌ 失败: %d\n", r.Count(model.StateFailed)))
	b.WriteString(fmt.Sprintf("⏭ 无需更新: %d\n", r.Count(model.StateSkipped)))
	b.WriteString(fmt.Sprintf("⏱ 耗时: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(1e9)))

	if gaps := r.With(model.StateGapReported); len(gaps) > 0 {
		b.WriteString("\n<b>缺口明细:</b>\n")
		writeOutcomes(&b, gaps, func(o model.SymbolOutcome) string { return joinRanges(o.Gaps) })
	}
	if failed := r.With(model.StateFailed); len(failed) > 0 {
		b.WriteString("\n<b>失败明细:</b>\n")
		writeOutcomes(&b, failed, func(o model.SymbolOutcome) string {
			if o.Err == nil {
				return "unknown error"
			}
			return escape(o.Err.Error())
		})
	}

	b.WriteString(fmt.Sprintf("\n<code>%s</code>", r.ID))
	return b.String()
}

// FormatRunHistory lists recorded runs, most recent first, one line each.
func FormatRunHistory(runs []model.RunSummary) string {
	if len(runs) == 0 {
		return "尚无运行记录"
	}
	var b strings.Builder
	b.WriteString("🗂 <b>最近运行</b>\n")
	for _, r := range runs {
		mode := "增量"
		if r.Mode == model.ModeInitial {
			mode = "初始"
		}
		b.WriteString(fmt.Sprintf("%s %s ✅%d ⚠️%d ❌%d ⏭%d <code>%s</code>\n",
			r.StartedAt.Format("01-02 15:04"), mode, r.Persisted, r.GapReported, r.Failed, r.Skipped, shortID(r.ID)))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeOutcomes(b *strings.Builder, outcomes []model.SymbolOutcome, detail func(model.SymbolOutcome) string) {
	for i, o := range outcomes {
		if i == maxListed {
			b.WriteString(fmt.Sprintf("  … 另有 %d 只\n", len(outcomes)-maxListed))
			return
		}
		b.WriteString(fmt.Sprintf("  %s: %s\n", o.Symbol.Prefixed(), detail(o)))
	}
}

func joinRanges(rs []model.DateRange) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// escape makes error text safe for HTML parse mode.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
