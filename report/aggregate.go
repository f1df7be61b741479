/*
aggregate.go - Weekly summary aggregation

PURPOSE:
  Builds the AggregationResult for one run: monthly targets from the
  reference table, month-to-date sales from a store scan, and
  weekend-window orders from a second scan.

AGGREGATION RULES:
  - Monthly sales scan covers [month start, now): half-open, so a record
    stamped exactly at generation time is not counted twice across runs.
  - Weekend scan covers the window from period.go with inclusive ends.
  - Totals sum the four tracked services only. #T is aggregated
    individually in the monthly section, excluded from the weekend
    section entirely, and never part of any total.
  - A tag outside the closed set is a data-integrity error; it is never
    silently summed away.

NUMERIC SEMANTICS:
  Amounts accumulate as decimal.Decimal. Percentages are a formatting
  concern (see format.go) and are never computed here.

SEE ALSO:
  - period.go: Window computation
  - format.go: Rendering
  - analysis.go: Monthly rollups written back to the reference table
*/
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Aggregator reads the reconciled store and the reference tables and
// produces the weekly summary payload.
type Aggregator struct {
	Table   RecordTable
	Targets TargetSource
	Loc     *time.Location
	Log     zerolog.Logger
}

func NewAggregator(table RecordTable, targets TargetSource, loc *time.Location, log zerolog.Logger) *Aggregator {
	return &Aggregator{Table: table, Targets: targets, Loc: loc, Log: log}
}

// Generate builds the aggregation result for the month containing now.
func (a *Aggregator) Generate(ctx context.Context, now time.Time) (*AggregationResult, error) {
	now = now.In(a.Loc)

	target, err := a.monthlyTarget(ctx, now)
	if err != nil {
		return nil, err
	}

	sales, err := a.monthlySales(ctx, now)
	if err != nil {
		return nil, err
	}

	window := WeekendWindowFor(now)
	weekend, err := a.weekendOrders(ctx, window)
	if err != nil {
		return nil, err
	}

	result := &AggregationResult{
		MonthlyTarget: target,
		MonthlySales:  sales,
		WeekendOrders: weekend,
		WeekendWindow: window,
		GeneratedAt:   now,
		Year:          now.Year(),
		Month:         int(now.Month()),
	}

	if err := result.Verify(); err != nil {
		return nil, err
	}

	a.Log.Info().
		Str("sales_total", sales.Total.Amount.String()).
		Int("sales_orders", sales.Total.Orders).
		Str("weekend_total", weekend.Total.Amount.String()).
		Int("weekend_orders", weekend.Total.Orders).
		Msg("aggregation complete")

	return result, nil
}

func (a *Aggregator) monthlyTarget(ctx context.Context, now time.Time) (Section, error) {
	targets, err := a.Targets.MonthlyTargets(ctx, now.Year(), now.Month())
	if err != nil {
		return Section{}, err
	}

	section := Section{Services: make(map[ServiceTag]Stat)}
	for _, svc := range TrackedServices {
		amount, ok := targets[svc]
		if !ok {
			amount = decimal.Zero
		}
		section.Services[svc] = Stat{Amount: amount}
		section.Total.Amount = section.Total.Amount.Add(amount)
	}
	return section, nil
}

func (a *Aggregator) monthlySales(ctx context.Context, now time.Time) (Section, error) {
	start := MonthStart(now)
	rows, err := a.Table.RowsInRange(ctx, start, now)
	if err != nil {
		return Section{}, err
	}

	section := newSection()
	for _, row := range rows {
		// Half-open month window: the scan range is inclusive, so drop a
		// record stamped exactly at generation time.
		if !row.Record.CreatedAt.Before(now) {
			continue
		}
		if err := accumulate(&section, row.Record, true); err != nil {
			return Section{}, err
		}
	}
	return section, nil
}

func (a *Aggregator) weekendOrders(ctx context.Context, window Window) (Section, error) {
	rows, err := a.Table.RowsInRange(ctx, window.Start, window.End)
	if err != nil {
		return Section{}, err
	}

	section := newSection()
	for _, row := range rows {
		if !window.Contains(row.Record.CreatedAt) {
			continue
		}
		if err := accumulate(&section, row.Record, false); err != nil {
			return Section{}, err
		}
	}
	return section, nil
}

func newSection() Section {
	s := Section{Services: make(map[ServiceTag]Stat)}
	for _, svc := range TrackedServices {
		s.Services[svc] = Stat{}
	}
	return s
}

// accumulate folds one record into a section. includeUntracked keeps #T
// visible as its own line (monthly section); the weekend section drops it.
func accumulate(s *Section, rec TransactionRecord, includeUntracked bool) error {
	tag, err := ParseServiceTag(string(rec.Service))
	if err != nil {
		return &UnknownServiceError{Tag: string(rec.Service), RecordID: rec.ID}
	}

	if !tag.Tracked() {
		if includeUntracked {
			s.Services[tag] = s.Services[tag].Add(Stat{Amount: rec.Amount, Orders: 1})
		}
		return nil
	}

	s.Services[tag] = s.Services[tag].Add(Stat{Amount: rec.Amount, Orders: 1})
	s.Total = s.Total.Add(Stat{Amount: rec.Amount, Orders: 1})
	return nil
}

// Verify asserts the total-consistency invariant on every section: the
// synthetic total must equal the sum over the tracked services. A
// mismatch means a foreign tag leaked into a total and is surfaced as a
// data-integrity error.
func (r *AggregationResult) Verify() error {
	for _, check := range []struct {
		name    string
		section Section
	}{
		{"monthly_target", r.MonthlyTarget},
		{"monthly_sales", r.MonthlySales},
		{"weekend_orders", r.WeekendOrders},
	} {
		sum := Stat{}
		for _, svc := range TrackedServices {
			sum = sum.Add(check.section.Services[svc])
		}
		if sum.Orders != check.section.Total.Orders || !sum.Amount.Equal(check.section.Total.Amount) {
			return &TotalMismatchError{
				Section:     check.name,
				TotalOrders: check.section.Total.Orders,
				SumOrders:   sum.Orders,
			}
		}
	}
	return nil
}
