package models

import "time"

type Doctor struct {
	ID            string    `json:"_id" bson:"_id"`
	Name          string    `json:"name" bson:"name" validate:"required"`
	Email         string    `json:"email" bson:"email" validate:"required,email"`
	Specialty     string    `json:"specialty" bson:"specialty" validate:"required"`
	Qualification string    `json:"qualification,omitempty" bson:"qualification,omitempty"`
	Fee           int64     `json:"fee" bson:"fee" validate:"gte=0"`
	PhotoURL      string    `json:"photoUrl,omitempty" bson:"photo_url,omitempty"`
	CreatedAt     time.Time `json:"createdAt" bson:"created_at"`
}

type Medicine struct {
	Name     string `json:"name" bson:"name" validate:"required"`
	Dosage   string `json:"dosage" bson:"dosage"`
	Duration string `json:"duration,omitempty" bson:"duration,omitempty"`
}

type Prescription struct {
	ID           string     `json:"_id" bson:"_id"`
	PatientEmail string     `json:"patientEmail" bson:"patient_email" validate:"required,email"`
	DoctorEmail  string     `json:"doctorEmail" bson:"doctor_email"`
	Medicines    []Medicine `json:"medicines" bson:"medicines" validate:"required,min=1,dive"`
	Notes        string     `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"created_at"`
}

type Treatment struct {
	ID          string   `json:"_id" bson:"_id"`
	Name        string   `json:"name" bson:"name" validate:"required"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	Price       int64    `json:"price" bson:"price" validate:"gte=0"`
	Slots       []string `json:"slots,omitempty" bson:"slots,omitempty"`
}
