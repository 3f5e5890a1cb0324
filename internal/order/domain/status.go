package domain

import "strings"

type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusShipped    OrderStatus = "SHIPPED"
	StatusDelivered  OrderStatus = "DELIVERED"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusDelivered: true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
		StatusCompleted: true,
	},
	StatusDelivered: {
		StatusCompleted: true,
	},
}

func ParseStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s OrderStatus) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

func CanTransition(from, to OrderStatus) bool {
	return allowedTransitions[from][to]
}

// PathToCompleted lists the steps a settled payment walks the order through.
// Terminal orders have no path.
func PathToCompleted(from OrderStatus) []OrderStatus {
	switch from {
	case StatusPending:
		return []OrderStatus{StatusProcessing, StatusCompleted}
	case StatusProcessing, StatusShipped, StatusDelivered:
		return []OrderStatus{StatusCompleted}
	default:
		return nil
	}
}
