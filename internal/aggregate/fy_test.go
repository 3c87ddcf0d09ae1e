package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFYLabel(t *testing.T) {
	millis := func(y int, m time.Month, d int) int64 {
		return time.Date(y, m, d, 12, 0, 0, 0, time.UTC).UnixMilli()
	}
	cases := []struct {
		name       string
		at         int64
		startMonth int
		want       string
	}{
		{"april starts the year", millis(2024, time.April, 1), 4, "2024-25"},
		{"march belongs to previous year", millis(2024, time.March, 31), 4, "2023-24"},
		{"mid year", millis(2024, time.October, 15), 4, "2024-25"},
		{"january is late in the fiscal year", millis(2025, time.January, 5), 4, "2024-25"},
		{"calendar-year config", millis(2024, time.June, 1), 1, "2024-25"},
		{"century rollover digits", millis(1999, time.May, 1), 4, "1999-00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, FYLabel(tc.at, tc.startMonth))
		})
	}
}
