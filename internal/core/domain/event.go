package domain

const (
	EventStockUpdate      = "stock_update"
	EventPurchaseComplete = "purchase_complete"

	ReasonReservationExpired = "reservation_expired"
)

// Event is a state change announced to observers after commit.
type Event interface {
	EventName() string
	// PartitionKey groups events of the same drop.
	PartitionKey() string
}

type StockUpdateEvent struct {
	DropID         string `json:"dropId"`
	AvailableStock int    `json:"available_stock"`
	Reason         string `json:"reason,omitempty"`
}

func (StockUpdateEvent) EventName() string      { return EventStockUpdate }
func (e StockUpdateEvent) PartitionKey() string { return e.DropID }

type PurchaseCompleteEvent struct {
	DropID     string `json:"dropId"`
	UserID     string `json:"userId"`
	PurchaseID string `json:"purchaseId"`
}

func (PurchaseCompleteEvent) EventName() string      { return EventPurchaseComplete }
func (e PurchaseCompleteEvent) PartitionKey() string { return e.DropID }
