package models

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending-reconciliation"
	PaymentCommitted PaymentStatus = "committed"
)

// Payment is written once per settlement. Only Status and CommittedAt
// change after insertion.
type Payment struct {
	ID             string        `json:"_id" bson:"_id"`
	Reference      string        `json:"reference" bson:"reference"`
	Email          string        `json:"email" bson:"email"`
	Amount         int64         `json:"amount" bson:"amount"`
	Currency       string        `json:"currency" bson:"currency"`
	AppointmentIDs []string      `json:"appointmentIds" bson:"appointment_ids"`
	TransactionID  string        `json:"transactionId,omitempty" bson:"transaction_id,omitempty"`
	Status         PaymentStatus `json:"status" bson:"status"`
	CreatedAt      time.Time     `json:"createdAt" bson:"created_at"`
	CommittedAt    *time.Time    `json:"committedAt,omitempty" bson:"committed_at,omitempty"`
}

// References reports whether every id is one of the payment's appointments.
func (p *Payment) References(ids []string) bool {
	set := make(map[string]struct{}, len(p.AppointmentIDs))
	for _, id := range p.AppointmentIDs {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// Stats is the admin dashboard summary.
type Stats struct {
	Users        int64 `json:"users"`
	Doctors      int64 `json:"doctors"`
	Appointments int64 `json:"appointments"`
	Revenue      int64 `json:"revenue"`
}
