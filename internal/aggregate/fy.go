package aggregate

import (
	"fmt"
	"time"
)

// FYLabel renders the fiscal year containing the given epoch-millis
// instant as "2024-25". startMonth is the first month of the fiscal
// year (4 for the April-March year used by Indian municipalities).
func FYLabel(millis int64, startMonth int) string {
	t := time.UnixMilli(millis).UTC()
	start := t.Year()
	if int(t.Month()) < startMonth {
		start--
	}
	return fmt.Sprintf("%d-%02d", start, (start+1)%100)
}
