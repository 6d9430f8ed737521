package core

import "fmt"

// Byte size constants in binary units.
const (
	BytesPerKB int64 = 1024
	BytesPerMB int64 = 1024 * BytesPerKB
)

var byteUnits = []string{"KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count with binary units, e.g. "1.50 KB".
// Negative counts render as "0 B".
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", max(bytes, 0))
	}
	value := float64(bytes) / 1024
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}
