/*
analysis.go - Monthly per-service rollups

PURPOSE:
  Recomputes the month-to-date actuals per service from the reconciled
  store and hands them to the StatSink, which upserts them into the
  service_stats reference table. Dashboards read that table; the weekly
  Aggregator scans the store directly and does not depend on it.

  Unlike section totals, the rollup carries every recognized service
  including #T - the reference table is a complete per-line record, the
  exclusion rules live in the aggregation.
*/
package report

import (
	"context"
	"time"
)

// allServices is the rollup order: tracked services first, then #T.
var allServices = []ServiceTag{ServiceArtgraph, ServicePhotopri, ServiceE1Print, ServiceQoo, ServiceTette}

// RollupMonth computes month-to-date per-service stats for the month
// containing now. The scan window is [month start, now), matching the
// monthly sales aggregation.
func RollupMonth(ctx context.Context, table RecordTable, now time.Time) ([]ServiceStat, error) {
	start := MonthStart(now)
	rows, err := table.RowsInRange(ctx, start, now)
	if err != nil {
		return nil, err
	}

	byTag := make(map[ServiceTag]Stat)
	for _, row := range rows {
		if !row.Record.CreatedAt.Before(now) {
			continue
		}
		tag, err := ParseServiceTag(string(row.Record.Service))
		if err != nil {
			return nil, &UnknownServiceError{Tag: string(row.Record.Service), RecordID: row.Record.ID}
		}
		byTag[tag] = byTag[tag].Add(Stat{Amount: row.Record.Amount, Orders: 1})
	}

	stats := make([]ServiceStat, 0, len(allServices))
	for _, svc := range allServices {
		stat := byTag[svc]
		stats = append(stats, ServiceStat{
			Year:    now.Year(),
			Month:   int(now.Month()),
			Service: svc,
			Amount:  stat.Amount,
			Orders:  stat.Orders,
		})
	}
	return stats, nil
}

// RollupAndStore is the pipeline stage wrapper: compute and upsert.
func RollupAndStore(ctx context.Context, table RecordTable, sink StatSink, now time.Time) ([]ServiceStat, error) {
	stats, err := RollupMonth(ctx, table, now)
	if err != nil {
		return nil, err
	}
	if err := sink.UpsertServiceStats(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}
