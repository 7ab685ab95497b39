// Package units provides binary size unit multipliers (1024-based).
package units

// Binary size multipliers.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// BytesToMiB converts a byte count to whole mebibytes, rounding down.
func BytesToMiB(b uint64) int {
	return int(b / MiB)
}

// BytesToGiB converts a byte count to fractional gibibytes.
func BytesToGiB(b uint64) float64 {
	return float64(b) / GiB
}
