package pg

import (
	"context"
	"database/sql"
	"errors"

	"trellis.org/internal/access"
)

var _ access.FinancialSource = (*Store)(nil)

func (s *Store) Financials(ctx context.Context, workItemID string) (access.FinancialRecord, error) {
	var rec access.FinancialRecord
	err := s.db.QueryRowContext(ctx, `
		select work_item_id, currency, client_price, fulfiller_payout, platform_fee, profit_margin
		from work_item_financials
		where work_item_id = $1
	`, workItemID).Scan(&rec.WorkItemID, &rec.Currency,
		&rec.ClientPrice, &rec.FulfillerPayout, &rec.PlatformFee, &rec.ProfitMargin)
	if errors.Is(err, sql.ErrNoRows) {
		return access.FinancialRecord{}, access.ErrNoFinancials
	}
	if err != nil {
		return access.FinancialRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpsertFinancials(ctx context.Context, rec access.FinancialRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into work_item_financials(work_item_id, currency, client_price, fulfiller_payout, platform_fee, profit_margin)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (work_item_id) do update set
			currency = excluded.currency,
			client_price = excluded.client_price,
			fulfiller_payout = excluded.fulfiller_payout,
			platform_fee = excluded.platform_fee,
			profit_margin = excluded.profit_margin
	`, rec.WorkItemID, rec.Currency, rec.ClientPrice, rec.FulfillerPayout, rec.PlatformFee, rec.ProfitMargin)
	return err
}
