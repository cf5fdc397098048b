package quotes

import (
	"math"
	"sort"
)

// Work-time conversion: expresses a USD amount as hours of work at a
// reference hourly wage. The wage table is hand-curated like the
// fallback price tables; it is reference data, not live data.

var hourlyWageUSD = map[string]float64{
	"us":        33.0,
	"uk":        22.5,
	"germany":   29.0,
	"japan":     18.0,
	"india":     2.5,
	"brazil":    4.8,
	"australia": 30.5,
	"global":    12.0,
}

// WorkTimeEquivalent is a USD amount expressed as work time.
type WorkTimeEquivalent struct {
	Region        string  `json:"region"`
	HourlyWageUSD float64 `json:"hourly_wage_usd"`
	Hours         float64 `json:"hours"`
	Days          float64 `json:"days"` // 8-hour work days
}

// WorkTime converts a USD amount into work hours for a region. Unknown
// regions use the global reference wage.
func WorkTime(amountUSD float64, region string) WorkTimeEquivalent {
	wage, ok := hourlyWageUSD[region]
	if !ok {
		region = "global"
		wage = hourlyWageUSD[region]
	}

	hours := 0.0
	if amountUSD > 0 {
		hours = amountUSD / wage
	}
	return WorkTimeEquivalent{
		Region:        region,
		HourlyWageUSD: wage,
		Hours:         math.Round(hours*100) / 100,
		Days:          math.Round(hours/8*100) / 100,
	}
}

// WorkTimeRegions lists the supported regions, sorted.
func WorkTimeRegions() []string {
	regions := make([]string, 0, len(hourlyWageUSD))
	for r := range hourlyWageUSD {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}
