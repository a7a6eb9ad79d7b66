// Package daterange parses the "YYYY-YYYY" year range and enumerates the
// fixed calendar grid the batch strategies iterate over.
package daterange

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrConfiguration marks a malformed range value.
var ErrConfiguration = errors.New("configuration error")

var rangePattern = regexp.MustCompile(`^\s*(\d{4})\s*-\s*(\d{4})\s*$`)

// Spec is an inclusive year range. Start > End is valid and yields no years.
type Spec struct {
	Start int
	End   int
}

// Parse reads a "YYYY-YYYY" value.
func Parse(s string) (Spec, error) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return Spec{}, fmt.Errorf("%w: year range %q, want YYYY-YYYY", ErrConfiguration, s)
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	return Spec{Start: start, End: end}, nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%04d-%04d", s.Start, s.End)
}

// Len is the number of years in the range.
func (s Spec) Len() int {
	if s.Start > s.End {
		return 0
	}
	return s.End - s.Start + 1
}

// Years returns the years in ascending order.
func (s Spec) Years() []int {
	years := make([]int, 0, s.Len())
	for y := s.Start; y <= s.End; y++ {
		years = append(years, y)
	}
	return years
}

// Months are the two-digit month codes in calendar order.
var Months = [12]string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11", "12"}

// Window is one day sub-range of a month. Every month is split into the same
// seven windows regardless of its length.
type Window struct {
	From string
	To   string
}

// Windows lists the day sub-ranges in the order commands are generated.
var Windows = [7]Window{
	{From: "01", To: "05"},
	{From: "05", To: "10"},
	{From: "10", To: "15"},
	{From: "15", To: "20"},
	{From: "20", To: "25"},
	{From: "25", To: "30"},
	{From: "30", To: "31"},
}

// Expression renders the window for one year and month in the form the
// remote tooling expects: "YYYY-MM-D1 < time < YYYY-MM-D2".
func (w Window) Expression(year int, month string) string {
	return fmt.Sprintf("%04d-%s-%s < time < %04d-%s-%s", year, month, w.From, year, month, w.To)
}
