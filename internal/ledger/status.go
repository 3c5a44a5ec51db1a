package ledger

// EscrowStatus represents the state of an escrow.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"  // Created at checkout, awaiting payment
	EscrowFunded   EscrowStatus = "funded"   // Gateway-verified payment held
	EscrowReleased EscrowStatus = "released" // Paid out to seller
	EscrowRefunded EscrowStatus = "refunded" // Returned to buyer
	EscrowDisputed EscrowStatus = "disputed" // Frozen pending admin resolution
)

// transitions is the allowed escrow graph. released and refunded have no
// outgoing edges.
var transitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending:  {EscrowFunded},
	EscrowFunded:   {EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDisputed: {EscrowReleased, EscrowRefunded},
}

// CanTransition reports whether from -> to is an edge of the escrow graph.
func CanTransition(from, to EscrowStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status has no outgoing transitions.
func (s EscrowStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known escrow status.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowPending, EscrowFunded, EscrowReleased, EscrowRefunded, EscrowDisputed:
		return true
	}
	return false
}

// OrderStatus represents the fulfilment state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderProcessing      OrderStatus = "processing"
	OrderShipped         OrderStatus = "shipped"
	OrderDelivered       OrderStatus = "delivered"
	OrderCancelled       OrderStatus = "cancelled"
	OrderReturned        OrderStatus = "returned"
	OrderProblemReported OrderStatus = "problem_reported"
)
