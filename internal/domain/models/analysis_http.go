package models

// Requests for the pivot HTTP endpoints. Defined in domain for consistency and reuse.

type PivotAnalysisRequest struct {
	Ticker    string `query:"ticker" json:"ticker" validate:"required,alphanum,min=5,max=20"`
	Timeframe string `query:"timeframe" json:"timeframe" default:"daily" validate:"oneof=hourly 4h session daily weekly monthly"`
	Days      int    `query:"days" json:"days" default:"180" validate:"gte=1,lte=730"`
	Weekdays  string `query:"weekdays" json:"weekdays" validate:"omitempty,max=20"`
}

type SnapshotRequest struct {
	Ticker    string `query:"ticker" json:"ticker" validate:"required,alphanum,min=5,max=20"`
	Timeframe string `query:"timeframe" json:"timeframe" default:"daily" validate:"oneof=hourly 4h session daily weekly monthly"`
	Days      int    `query:"days" json:"days" default:"180" validate:"gte=1,lte=730"`
}

type CandlesRequest struct {
	Ticker string `query:"ticker" json:"ticker" validate:"required,alphanum,min=5,max=20"`
	From   string `query:"from" json:"from" validate:"required"`
	To     string `query:"to" json:"to" validate:"required"`
	Limit  int    `query:"limit" json:"limit" default:"10000" validate:"gte=1,lte=50000"`
}

type RefreshRequest struct {
	Ticker string `query:"ticker" json:"ticker" validate:"required,alphanum,min=5,max=20"`
	Mode   string `query:"mode" json:"mode" default:"refresh" validate:"oneof=refresh backfill"`
	Days   int    `query:"days" json:"days" validate:"gte=0,lte=1095"`
}
