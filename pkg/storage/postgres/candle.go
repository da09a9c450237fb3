package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickstream/pkg/market"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateCandle is returned by InsertCandle when the bucket is already stored.
var ErrDuplicateCandle = errors.New("duplicate candle skipped")

var candleConflict = clause.OnConflict{
	Columns: []clause.Column{
		{Name: "provider"},
		{Name: "symbol"},
		{Name: "timeframe"},
		{Name: "bucket"},
	},
	DoNothing: true,
}

func (p *PostgresClient) InsertCandle(ctx context.Context, record *CandleRecord) error {
	tx := p.DB.WithContext(ctx).Clauses(candleConflict).Create(record)
	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s:%s %s bucket=%s", ErrDuplicateCandle,
			record.Provider,
			record.Symbol,
			record.Timeframe,
			record.Bucket.Format(time.RFC3339),
		)
	}

	return nil
}

// WriteCandles stores finalized candles of one series in a single batch.
// Buckets that already exist are skipped. Live candles are ignored.
func (p *PostgresClient) WriteCandles(ctx context.Context, key market.SeriesKey, tf market.Timeframe, candles []market.Candle) (int, error) {
	records := make([]*CandleRecord, 0, len(candles))
	for _, c := range candles {
		if !c.Finalized {
			continue
		}
		records = append(records, ToCandleRecord(key, tf, c))
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx := p.DB.WithContext(ctx).Clauses(candleConflict).CreateInBatches(records, 500)
	if tx.Error != nil {
		return 0, fmt.Errorf("write candles %s: %w", key, tx.Error)
	}
	return int(tx.RowsAffected), nil
}

func (p *PostgresClient) GetCandle(ctx context.Context, key market.SeriesKey, tf market.Timeframe, bucket time.Time) (*CandleRecord, error) {
	var c CandleRecord
	err := p.DB.WithContext(ctx).
		Where("provider = ? AND symbol = ? AND timeframe = ? AND bucket = ?", key.Provider, key.Symbol, tf.String(), bucket).
		First(&c).Error

	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCandles returns the stored candles of a series with buckets in [from, to), oldest first.
func (p *PostgresClient) GetCandles(ctx context.Context, key market.SeriesKey, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	var records []CandleRecord
	err := p.DB.WithContext(ctx).
		Where("provider = ? AND symbol = ? AND timeframe = ? AND bucket >= ? AND bucket < ?", key.Provider, key.Symbol, tf.String(), from, to).
		Order("bucket").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]market.Candle, 0, len(records))
	for _, r := range records {
		out = append(out, r.ToCandle())
	}
	return out, nil
}

// LatestBucket returns the newest stored bucket start (ms) of a series.
func (p *PostgresClient) LatestBucket(ctx context.Context, key market.SeriesKey, tf market.Timeframe) (int64, bool, error) {
	var c CandleRecord
	err := p.DB.WithContext(ctx).
		Where("provider = ? AND symbol = ? AND timeframe = ?", key.Provider, key.Symbol, tf.String()).
		Order("bucket DESC").
		First(&c).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c.Bucket.UnixMilli(), true, nil
}

func (p *PostgresClient) DeleteOldCandles(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("bucket < ?", before).
		Delete(&CandleRecord{}).Error
}

// ToCandleRecord converts a finalized candle of a series into a CandleRecord for DB insertion.
func ToCandleRecord(key market.SeriesKey, tf market.Timeframe, c market.Candle) *CandleRecord {
	return &CandleRecord{
		Provider:  key.Provider,
		Symbol:    key.Symbol,
		Timeframe: tf.String(),
		Bucket:    time.UnixMilli(c.BucketStart).UTC(),
		Open:      c.Open,
		Close:     c.Close,
		High:      c.High,
		Low:       c.Low,
		Volume:    c.Volume,
	}
}

func (r CandleRecord) ToCandle() market.Candle {
	return market.Candle{
		BucketStart: r.Bucket.UnixMilli(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		Finalized:   true,
	}
}
