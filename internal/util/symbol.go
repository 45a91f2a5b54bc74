package util

import (
	"fmt"
	"strings"
	"time"
)

// weeklyMonthCodes maps month number to the single-character code used in NFO
// weekly option symbols (1-9 for Jan-Sep, then O, N, D).
var weeklyMonthCodes = [13]string{"", "1", "2", "3", "4", "5", "6", "7", "8", "9", "O", "N", "D"}

// OptionSymbol builds an NFO trading symbol for an index option.
//
// Monthly contracts use NIFTY<YY><MMM><STRIKE><CE|PE>, e.g. NIFTY25SEP24500PE.
// Weekly contracts use NIFTY<YY><M><DD><STRIKE><CE|PE> where M is the
// single-character month code, e.g. NIFTY25O0724500CE.
func OptionSymbol(underlying string, expiry time.Time, strike int, optionType string) string {
	yy := expiry.Format("06")
	if IsMonthlyExpiry(expiry) {
		mmm := strings.ToUpper(expiry.Format("Jan"))
		return fmt.Sprintf("%s%s%s%d%s", underlying, yy, mmm, strike, optionType)
	}
	return fmt.Sprintf("%s%s%s%02d%d%s",
		underlying, yy, weeklyMonthCodes[int(expiry.Month())], expiry.Day(), strike, optionType)
}

// IsMonthlyExpiry reports whether the given expiry is the last occurrence of
// its weekday in the month, which is what the exchange treats as the monthly
// contract.
func IsMonthlyExpiry(expiry time.Time) bool {
	return expiry.AddDate(0, 0, 7).Month() != expiry.Month()
}

// NextExpiry returns the next expiry date on or after the given time for the
// configured expiry weekday. The date itself (not clock time) is what matters:
// a signal arriving on expiry day still trades the same-day contract.
func NextExpiry(from time.Time, weekday time.Weekday) time.Time {
	d := from
	for d.Weekday() != weekday {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
}
