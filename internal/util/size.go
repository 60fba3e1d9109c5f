package util

import (
	"fmt"
	"math"
)

// HumanSize renders a byte count the way the reports expect it: GB with one
// decimal place when the size rounds to at least 0.5GB, MB otherwise.
// Decimal units (1MB = 1e6 bytes), not binary.
func HumanSize(bytes int64) string {
	gb := math.Round(float64(bytes)/1e9*10) / 10
	if gb < 0.5 {
		mb := math.Round(float64(bytes)/1e6*10) / 10
		return fmt.Sprintf("%.1fMB", mb)
	}
	return fmt.Sprintf("%.1fGB", gb)
}
