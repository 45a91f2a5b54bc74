package models

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types supported for leg placement.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// OptionOrder is a single option leg to be placed with the broker.
type OptionOrder struct {
	Symbol     string  `json:"symbol"`
	Strike     int     `json:"strike"`
	OptionType string  `json:"option_type"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"` // units, not lots
	OrderType  string  `json:"order_type"`
	Price      float64 `json:"price,omitempty"` // limit price, 0 for market
}

// BasketOrder pairs the main leg (sold) with its hedge leg (bought). It is
// owned exclusively by the execution flow and discarded after terminal
// placement, success or not.
type BasketOrder struct {
	Main  OptionOrder `json:"main"`
	Hedge OptionOrder `json:"hedge"`
	Lots  int         `json:"lots"`
}
