package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the mirror's source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision; the payoff type is stored as its wire name.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed mirror store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertOption(ctx context.Context, m *model.OptionMeta) error {
	var expiry *time.Time
	if !m.Expiry.IsZero() {
		expiry = &m.Expiry
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO options (id, is_call, payoff_type,
		                      underlying_asset, strike_asset, underlying_symbol, strike_symbol,
		                      strike_price, size, premium,
		                      short, long, funded, expiry,
		                      resolved, price_at_expiry, settled, settlement, exercised_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14,
		         $15, $16::NUMERIC, $17, $18, $19::NUMERIC, $20)
		 ON CONFLICT (id) DO UPDATE SET
		         long = EXCLUDED.long,
		         funded = EXCLUDED.funded,
		         expiry = EXCLUDED.expiry,
		         resolved = EXCLUDED.resolved,
		         price_at_expiry = EXCLUDED.price_at_expiry,
		         settled = EXCLUDED.settled,
		         settlement = EXCLUDED.settlement,
		         exercised_amount = EXCLUDED.exercised_amount`,
		m.ID, m.IsCall, m.PayoffType.String(),
		m.UnderlyingAsset, m.StrikeAsset, m.UnderlyingSymbol, m.StrikeSymbol,
		m.StrikePrice.String(), m.Size.String(), m.Premium.String(),
		m.Short, m.Long, m.Funded, expiry,
		m.Resolved, m.PriceAtExpiry.String(), m.Settled, m.Settlement,
		m.ExercisedAmount.String(), m.CreatedAt,
	)
	return err
}

const optionColumns = `id, is_call, payoff_type,
       underlying_asset, strike_asset, underlying_symbol, strike_symbol,
       strike_price::TEXT, size::TEXT, premium::TEXT,
       short, long, funded, expiry,
       resolved, price_at_expiry::TEXT, settled, settlement, exercised_amount::TEXT, created_at`

func (s *PostgresStore) GetOption(ctx context.Context, id string) (*model.OptionMeta, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+optionColumns+` FROM options WHERE id = $1`, id)

	m, err := scanOption(row)
	if err != nil {
		return nil, fmt.Errorf("get option %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListOptions(ctx context.Context) ([]model.OptionMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionColumns+` FROM options ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []model.OptionMeta
	for rows.Next() {
		m, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		options = append(options, *m)
	}
	return options, rows.Err()
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, option_id, kind, quote_amount, base_amount, price_at_expiry, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		rec.ID, rec.OptionID, rec.Kind,
		rec.QuoteAmount.String(), rec.BaseAmount.String(), rec.PriceAtExpiry.String(),
		rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListSettlements(ctx context.Context, optionID string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, option_id, kind, quote_amount::TEXT, base_amount::TEXT, price_at_expiry::TEXT, timestamp
		 FROM settlements WHERE option_id = $1 ORDER BY timestamp`, optionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.SettlementRecord
	for rows.Next() {
		var rec model.SettlementRecord
		var quoteS, baseS, priceS string
		if err := rows.Scan(&rec.ID, &rec.OptionID, &rec.Kind,
			&quoteS, &baseS, &priceS, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.QuoteAmount, _ = decimal.NewFromString(quoteS)
		rec.BaseAmount, _ = decimal.NewFromString(baseS)
		rec.PriceAtExpiry, _ = decimal.NewFromString(priceS)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// pgxRow abstracts QueryRow results and Query rows for scanning.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOption(row pgxRow) (*model.OptionMeta, error) {
	var m model.OptionMeta
	var payoffName string
	var strikeS, sizeS, premiumS, priceS, exercisedS string
	var expiry *time.Time

	if err := row.Scan(&m.ID, &m.IsCall, &payoffName,
		&m.UnderlyingAsset, &m.StrikeAsset, &m.UnderlyingSymbol, &m.StrikeSymbol,
		&strikeS, &sizeS, &premiumS,
		&m.Short, &m.Long, &m.Funded, &expiry,
		&m.Resolved, &priceS, &m.Settled, &m.Settlement, &exercisedS, &m.CreatedAt); err != nil {
		return nil, err
	}

	typ, err := model.ParsePayoffType(payoffName)
	if err != nil {
		return nil, err
	}
	m.PayoffType = typ
	if expiry != nil {
		m.Expiry = *expiry
	}
	m.StrikePrice, _ = decimal.NewFromString(strikeS)
	m.Size, _ = decimal.NewFromString(sizeS)
	m.Premium, _ = decimal.NewFromString(premiumS)
	m.PriceAtExpiry, _ = decimal.NewFromString(priceS)
	m.ExercisedAmount, _ = decimal.NewFromString(exercisedS)

	return &m, nil
}
