package engine

import (
	"fmt"
	"math"
)

// FuelReconciliation is the outcome of comparing the fuel level recorded at
// vehicle exit against the level recorded at entry. LitersUsed and TotalCost
// are rounded to two decimal places.
type FuelReconciliation struct {
	LitersUsed    float64 `json:"liters_used"`
	TotalCost     float64 `json:"total_cost"`
	PricePerLiter float64 `json:"price_per_liter"`
}

// Reconcile computes the fuel consumed between an exit and the matching
// entry. Levels are percentages of the tank; litersUsed is the percentage
// difference applied to the tank capacity. An entry level above the exit
// level means the readings were inverted or the vehicle was refueled beyond
// the exit mark, which must be handled by a human, so it is an error rather
// than a credit.
func Reconcile(exitLevel, entryLevel, tankCapacity, costPerLiter float64) (FuelReconciliation, error) {
	if exitLevel < 0 || exitLevel > 100 {
		return FuelReconciliation{}, fmt.Errorf("exit fuel level %.1f out of range 0-100", exitLevel)
	}
	if entryLevel < 0 || entryLevel > 100 {
		return FuelReconciliation{}, fmt.Errorf("entry fuel level %.1f out of range 0-100", entryLevel)
	}
	if tankCapacity <= 0 {
		return FuelReconciliation{}, fmt.Errorf("tank capacity must be positive, got %.1f", tankCapacity)
	}
	if costPerLiter <= 0 {
		return FuelReconciliation{}, fmt.Errorf("cost per liter must be positive, got %.2f", costPerLiter)
	}
	if entryLevel > exitLevel {
		return FuelReconciliation{}, &FuelInversionError{ExitLevel: exitLevel, EntryLevel: entryLevel}
	}
	liters := round2((exitLevel - entryLevel) / 100 * tankCapacity)
	return FuelReconciliation{
		LitersUsed:    liters,
		TotalCost:     round2(liters * costPerLiter),
		PricePerLiter: costPerLiter,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
