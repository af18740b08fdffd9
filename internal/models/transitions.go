package models

var transitions = map[OrderStatus][]OrderStatus{
	OrderCreated:            {OrderAwaitingSettlement, OrderExpired, OrderFailed},
	OrderAwaitingSettlement: {OrderSettled, OrderFailed, OrderExpired},
	OrderSettled:            {OrderCredited},
}

// CanTransition reports whether from -> to is a forward edge of the order state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCredited, OrderFailed, OrderExpired:
		return true
	}
	return false
}

// StopsPolling is true once no confirmation check can move the order any further.
func (s OrderStatus) StopsPolling() bool {
	return s == OrderSettled || s.IsTerminal()
}

func CanLinkWallet(s OrderStatus) bool {
	return s == OrderAwaitingSettlement || s == OrderSettled
}

// PollAnswer is the rail's answer to a single confirmation check.
type PollAnswer string

const (
	PollPending PollAnswer = "pending"
	PollPaid    PollAnswer = "paid"
	PollFailed  PollAnswer = "failed"
)

// PublicStatus collapses the order state into the pending/paid/failed answer the UI polls for.
func (s OrderStatus) PublicStatus() PollAnswer {
	switch s {
	case OrderSettled, OrderCredited:
		return PollPaid
	case OrderFailed, OrderExpired:
		return PollFailed
	}
	return PollPending
}
