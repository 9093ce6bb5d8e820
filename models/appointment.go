package models

import "time"

type AppointmentStatus string

const (
	// AppointmentBooked is an open appointment awaiting payment.
	AppointmentBooked AppointmentStatus = "booked"
	// AppointmentSettling is claimed by an in-flight settlement.
	AppointmentSettling AppointmentStatus = "settling"
	// AppointmentSettled is paid for and closed.
	AppointmentSettled AppointmentStatus = "settled"
)

type Appointment struct {
	ID           string            `json:"_id" bson:"_id"`
	Email        string            `json:"email" bson:"email"`
	DoctorID     string            `json:"doctorId" bson:"doctor_id"`
	DoctorName   string            `json:"doctorName,omitempty" bson:"doctor_name,omitempty"`
	Treatment    string            `json:"treatment,omitempty" bson:"treatment,omitempty"`
	ScheduledAt  time.Time         `json:"scheduledAt" bson:"scheduled_at"`
	Price        int64             `json:"price" bson:"price"`
	Status       AppointmentStatus `json:"status" bson:"status"`
	SettlementID string            `json:"settlementId,omitempty" bson:"settlement_id,omitempty"`
	ClaimedAt    *time.Time        `json:"claimedAt,omitempty" bson:"claimed_at,omitempty"`
	SettledAt    *time.Time        `json:"settledAt,omitempty" bson:"settled_at,omitempty"`
	CreatedAt    time.Time         `json:"createdAt" bson:"created_at"`
}
