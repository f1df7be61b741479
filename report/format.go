/*
format.go - Weekly summary rendering

PURPOSE:
  Pure rendering of an AggregationResult into the chat message text. No
  I/O, no clock access: everything comes from the result, so identical
  data renders byte-for-byte identically across runs. The chat consumer
  depends on the exact labels and ordering.

TEMPLATE:
  Header with the reported week, then three sections - monthly target,
  month-to-date sales with percentage-of-target, weekend orders. Each
  section lists the total first, then services in DisplayOrder.

PERCENTAGES:
  Computed only here, one decimal place. A zero target renders "n/a"
  instead of failing on division.
*/
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Format renders the weekly summary text sent to the chat webhook.
func Format(r *AggregationResult) string {
	var b strings.Builder

	week := ReportedWeekFor(r.GeneratedAt)
	fmt.Fprintf(&b, "📈 %d年%d月%d日〜%d月%d日ウィークリーサマリー\n\n",
		week.Start.Year(), int(week.Start.Month()), week.Start.Day(),
		int(week.End.Month()), week.End.Day())

	// Monthly target
	fmt.Fprintf(&b, "【%d月の目標売上】\n", r.Month)
	fmt.Fprintf(&b, "全体：%s\n", yen(r.MonthlyTarget.Total.Amount))
	for _, svc := range DisplayOrder {
		fmt.Fprintf(&b, "%s：%s\n", svc, yen(r.MonthlyTarget.Services[svc].Amount))
	}
	b.WriteString("\n")

	// Month-to-date sales with percentage of target
	fmt.Fprintf(&b, "【本日時点での%d月売上＆注文件数】\n", r.Month)
	total := r.MonthlySales.Total
	fmt.Fprintf(&b, "全体：%s - %s(%d件)\n",
		yen(total.Amount), percent(total.Amount, r.MonthlyTarget.Total.Amount), total.Orders)
	for _, svc := range DisplayOrder {
		stat := r.MonthlySales.Services[svc]
		fmt.Fprintf(&b, "%s：%s - %s(%d件)\n",
			svc, yen(stat.Amount), percent(stat.Amount, r.MonthlyTarget.Services[svc].Amount), stat.Orders)
	}
	b.WriteString("\n")

	// Weekend orders
	w := r.WeekendWindow
	fmt.Fprintf(&b, "【週末(%d月%d日%d時〜%d月%d日%d時)の注文】\n",
		int(w.Start.Month()), w.Start.Day(), w.Start.Hour(),
		int(w.End.Month()), w.End.Day(), w.End.Hour())
	fmt.Fprintf(&b, "全体：%s(%d件)\n", yen(r.WeekendOrders.Total.Amount), r.WeekendOrders.Total.Orders)
	for _, svc := range DisplayOrder {
		stat := r.WeekendOrders.Services[svc]
		fmt.Fprintf(&b, "%s：%s(%d件)\n", svc, yen(stat.Amount), stat.Orders)
	}

	return b.String()
}

// FormatFailure renders the plain-text failure notice sent when a run
// errors out. Credentials and stack internals never appear here.
func FormatFailure(message string, at time.Time) string {
	return fmt.Sprintf("❌ 週次レポート処理エラー\n\n%s\n\n実行時刻: %s",
		message, at.Format("2006-01-02 15:04:05"))
}

func yen(d decimal.Decimal) string {
	return humanize.Comma(d.Round(0).IntPart()) + "円"
}

// percent renders actual/target to one decimal place; a zero target is
// "n/a" rather than a division error.
func percent(actual, target decimal.Decimal) string {
	if target.IsZero() {
		return "n/a"
	}
	return actual.Div(target).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}
