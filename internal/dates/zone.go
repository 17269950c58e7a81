package dates

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kjstillabower/trip-weather-service/internal/models"
)

// ZoneFor returns the destination's timezone. Unknown or missing IANA names fall back to a
// fixed offset approximated from longitude (15 degrees per hour).
func ZoneFor(loc models.Location) *time.Location {
	if tz := strings.TrimSpace(loc.Timezone); tz != "" {
		if z, err := time.LoadLocation(tz); err == nil {
			return z
		}
	}
	hours := int(math.Round(loc.Lon / 15))
	if hours < -12 {
		hours = -12
	}
	if hours > 14 {
		hours = 14
	}
	if hours == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
}

// Today returns the calendar date at the destination for instant now.
func Today(loc models.Location, now time.Time) string {
	return now.In(ZoneFor(loc)).Format(models.DateLayout)
}

// AddDays offsets an ISO date by n days.
func AddDays(date string, n int) (string, error) {
	t, err := Parse(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(models.DateLayout), nil
}
