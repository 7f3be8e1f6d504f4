// Package export serializes a session log to flat files.
package export

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/christian-lee/birdsong/internal/session"
)

// Header is the CSV column order.
var Header = []string{
	"timestamp_ms",
	"datetime_local",
	"low_rel",
	"mid_rel",
	"high_rel",
	"energy",
	"species_key",
	"common_name_es",
	"scientific_name",
	"confidence",
}

// DateTimeLayout renders the datetime_local column.
const DateTimeLayout = "2006-01-02 15:04:05"

// WriteCSV writes entries in the order given, which callers keep
// chronological. Numeric columns are bare, rel values carry exactly three
// decimals, and text columns are always double-quoted. encoding/csv only
// quotes on demand, so rows are assembled here.
func WriteCSV(w io.Writer, entries []session.Entry, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(Header, ","))
	for _, e := range entries {
		bw.WriteByte('\n')
		bw.WriteString(Row(e, loc))
	}
	return bw.Flush()
}

// Row renders one entry without the trailing newline.
func Row(e session.Entry, loc *time.Location) string {
	fields := []string{
		strconv.FormatInt(e.TimestampMS, 10),
		quote(time.UnixMilli(e.TimestampMS).In(loc).Format(DateTimeLayout)),
		strconv.FormatFloat(e.LowRel, 'f', 3, 64),
		strconv.FormatFloat(e.MidRel, 'f', 3, 64),
		strconv.FormatFloat(e.HighRel, 'f', 3, 64),
		strconv.Itoa(e.Energy),
		quote(e.SpeciesKey),
		quote(e.CommonName),
		quote(e.ScientificName),
		strconv.Itoa(e.Confidence),
	}
	return strings.Join(fields, ",")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
