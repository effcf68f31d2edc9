package pirest

import "time"

// Date is a calendar date route argument, parsed from the ISO-8601
// YYYY-MM-DD form.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// parseDate parses the s in the ISO-8601 YYYY-MM-DD form.
func parseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}

	return Date{
		Year:  t.Year(),
		Month: t.Month(),
		Day:   t.Day(),
	}, nil
}

// Time returns the midnight of the d in the loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// String returns the ISO-8601 YYYY-MM-DD form of the d.
func (d Date) String() string {
	return d.Time(time.UTC).Format("2006-01-02")
}
