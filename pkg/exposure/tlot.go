package exposure

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultBaseRate is the TLOT of a zero-distance contact over one scan period:
	// a three second hug with an infected person gives a 6.2% chance of transmission
	DefaultBaseRate = 0.062

	// DefaultHalfLifeMeters is the distance at which exposure halves
	DefaultHalfLifeMeters = 1.0

	// DefaultRetentionDays is the contact horizon kept in the ledger
	DefaultRetentionDays = 7
)

// ErrInvalidDistance is returned for negative, NaN or infinite distances
var ErrInvalidDistance = errors.New("invalid distance")

// Params configures the decay math and the retention horizon
type Params struct {
	BaseRate       float64        // TLOT accrued at zero distance per scan period
	HalfLifeMeters float64        // distance at which the increment halves
	RetentionDays  int            // whole days a contact survives without update
	Location       *time.Location // calendar used for contact dates (nil = time.Local)
}

// DefaultParams returns the parameters of the reference deployment
func DefaultParams() Params {
	return Params{
		BaseRate:       DefaultBaseRate,
		HalfLifeMeters: DefaultHalfLifeMeters,
		RetentionDays:  DefaultRetentionDays,
		Location:       time.Local,
	}
}

// Validate checks that the parameters keep TLOT inside [0,1]
func (p Params) Validate() error {
	if math.IsNaN(p.BaseRate) || p.BaseRate < 0 || p.BaseRate > 1 {
		return fmt.Errorf("base rate %v outside [0,1]", p.BaseRate)
	}
	if math.IsNaN(p.HalfLifeMeters) || math.IsInf(p.HalfLifeMeters, 0) || p.HalfLifeMeters <= 0 {
		return fmt.Errorf("half-life %v must be a positive distance", p.HalfLifeMeters)
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retention days %d must not be negative", p.RetentionDays)
	}
	return nil
}

func (p Params) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// ValidateDistance rejects distances the decay formula cannot take
func ValidateDistance(distanceMeters float64) error {
	if math.IsNaN(distanceMeters) || math.IsInf(distanceMeters, 0) || distanceMeters < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDistance, distanceMeters)
	}
	return nil
}

// Increment is the instantaneous exposure of one scan period at the given distance
func Increment(baseRate, halfLifeMeters, distanceMeters float64) float64 {
	return baseRate * math.Pow(2, -(distanceMeters / halfLifeMeters))
}

// Compose adds an independent event of probability p to an accumulated
// probability using the likelihood of non-transmission
func Compose(accumulated, p float64) float64 {
	nonTransmission := 1 - accumulated
	return math.Min(1, accumulated+nonTransmission*p)
}
