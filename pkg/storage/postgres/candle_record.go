package postgres

import "time"

// CandleRecord represents a finalized candle stored in the database.
type CandleRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Provider  string    `gorm:"type:varchar(32);not null;index:idx_provider_symbol_timeframe_bucket,unique"`
	Symbol    string    `gorm:"type:text;not null;index:idx_candle_symbol;index:idx_provider_symbol_timeframe_bucket,unique"`
	Timeframe string    `gorm:"type:varchar(10);not null;index:idx_provider_symbol_timeframe_bucket,unique"`
	Bucket    time.Time `gorm:"not null;index:idx_provider_symbol_timeframe_bucket,unique"`

	Open  float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`

	Volume float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string {
	return "candle_record"
}
