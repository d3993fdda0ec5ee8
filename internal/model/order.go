package model

// OrderPurpose tells the strategy engine what a fill settles.
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeExit  OrderPurpose = "exit"
)

// OrderIntent is an order the strategy engine wants placed.
type OrderIntent struct {
	ClientID   string       `json:"client_id"`
	StrategyID string       `json:"strategy_id"`
	Symbol     string       `json:"symbol"`
	Side       Side         `json:"side"`
	Size       float64      `json:"size"`
	Price      float64      `json:"price"` // reference price; 0 = market
	Purpose    OrderPurpose `json:"purpose"`
	Reason     string       `json:"reason"`
	TS         float64      `json:"ts"`
}

// OrderHandle identifies an accepted order.
type OrderHandle struct {
	ClientID string `json:"client_id"`
	OrderID  string `json:"order_id"`
}

// FillStatus is the terminal status of an order.
type FillStatus string

const (
	FillFilled   FillStatus = "FILLED"
	FillRejected FillStatus = "REJECTED"
)

// Fill is delivered asynchronously by the gateway once an order settles.
type Fill struct {
	ClientID string     `json:"client_id"`
	OrderID  string     `json:"order_id"`
	Price    float64    `json:"price"`
	Qty      float64    `json:"qty"`
	Status   FillStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	TS       float64    `json:"ts"`
}
