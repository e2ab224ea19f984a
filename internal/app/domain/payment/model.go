package payment

import "time"

// Method is the closed set of collection methods.
type Method string

const (
	MethodCash     Method = "CASH"
	MethodCard     Method = "CARD"
	MethodTransfer Method = "TRANSFER"
	MethodOnline   Method = "ONLINE"
)

// Status is the verification state of a collected payment.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusRejected Status = "REJECTED"
)

// Payment is money collected (or promised) against a stop.
type Payment struct {
	ID            string
	StopID        string
	Amount        float64
	Method        Method
	Status        Status
	CustomerRut   string
	TransactionID string
	BankReference string
	VerifiedAt    time.Time
	VerifiedBy    string
	CreatedAt     time.Time
}
