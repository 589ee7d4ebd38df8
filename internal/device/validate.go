// internal/device/validate.go
package device

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/signalnine/cellwatch/internal/fault"
)

const maxRecordingIDLen = 128

// ValidateRecordingID rejects ids that cannot name a recording or would
// escape the templated request path.
func ValidateRecordingID(op, id string) error {
	if id == "" {
		return fault.Invalid(op, "empty recording id")
	}
	if len(id) > maxRecordingIDLen {
		return fault.Invalid(op, "recording id longer than %d bytes", maxRecordingIDLen)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\?#%`) {
		return fault.Invalid(op, "recording id %q contains path characters", id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fault.Invalid(op, "recording id %q contains whitespace or control characters", id)
		}
	}
	return nil
}

// ValidateCoordinates checks latitude is within [-90, 90] and longitude
// within [-180, 180].
func ValidateCoordinates(op string, lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fault.Invalid(op, "latitude %v outside [-90, 90]", lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fault.Invalid(op, "longitude %v outside [-180, 180]", lon)
	}
	return nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
