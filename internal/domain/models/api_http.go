package models

// Requests of the agent HTTP API.

type BarsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
	TF     string `query:"tf" json:"tf" default:"1m" validate:"oneof=1s 1m 5m 15m 1h"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=50000"`
}

type ResetRequest struct {
	Stage string `query:"stage" json:"stage" validate:"required"`
}
