package depot

import "time"

// Depot is a fixed origin and return point for routes.
type Depot struct {
	ID                    string
	Name                  string
	Address               string
	Lat                   float64
	Lng                   float64
	DefaultDepartureTime  string // HH:MM, local
	DefaultServiceMinutes int
	EtaWindowBeforeMin    int
	EtaWindowAfterMin     int
	IsDefault             bool
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
