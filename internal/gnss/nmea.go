// Package gnss reads position fixes from GNSS receivers speaking NMEA 0183
package gnss

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

// uereMeters converts HDOP to an approximate horizontal accuracy
const uereMeters = 5.0

// ParseSentence converts one NMEA sentence into a fix. ok is false for
// sentences that carry no usable position (other sentence types, no fix).
// ref supplies the date for sentences that only carry a time of day.
func ParseSentence(line string, ref time.Time) (fix geo.Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || (line[0] != '$' && line[0] != '!') {
		return geo.Fix{}, false, nil
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return geo.Fix{}, false, fmt.Errorf("parse nmea: %w", err)
	}

	switch m := s.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return geo.Fix{}, false, nil
		}
		fix = geo.Fix{
			Coordinate: geo.Coordinate{Lat: m.Latitude, Lon: m.Longitude},
			Timestamp:  sentenceTime(m.Date, m.Time, ref),
		}
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid || m.FixQuality == "" {
			return geo.Fix{}, false, nil
		}
		fix = geo.Fix{
			Coordinate: geo.Coordinate{Lat: m.Latitude, Lon: m.Longitude},
			Timestamp:  sentenceTime(nmea.Date{}, m.Time, ref),
			Accuracy:   m.HDOP * uereMeters,
		}
	default:
		return geo.Fix{}, false, nil
	}

	if err := fix.Coordinate.Validate(); err != nil {
		return geo.Fix{}, false, err
	}
	return fix, true, nil
}

func sentenceTime(d nmea.Date, t nmea.Time, ref time.Time) time.Time {
	if !t.Valid {
		return ref
	}

	ref = ref.UTC()
	year, month, day := ref.Year(), ref.Month(), ref.Day()
	if d.Valid {
		year = 2000 + d.YY
		if d.YY >= 80 {
			year = 1900 + d.YY
		}
		month = time.Month(d.MM)
		day = d.DD
	}

	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// Decoder turns a byte stream of NMEA sentences into fixes. A receiver
// reports the same epoch in several sentences; only the first is kept.
type Decoder struct {
	scanner *bufio.Scanner
	now     func() time.Time
	last    time.Time

	sentences uint64
	rejected  uint64
}

// NewDecoder creates a decoder reading sentences from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		scanner: bufio.NewScanner(r),
		now:     time.Now,
	}
}

// Next returns the next fix in the stream, or io.EOF when r is exhausted
func (d *Decoder) Next() (geo.Fix, error) {
	for d.scanner.Scan() {
		d.sentences++

		ref := d.last
		if ref.IsZero() {
			ref = d.now()
		}

		fix, ok, err := ParseSentence(d.scanner.Text(), ref)
		if err != nil {
			d.rejected++
			continue
		}
		if !ok {
			continue
		}
		if !d.last.IsZero() && fix.Timestamp.Equal(d.last) {
			continue
		}

		d.last = fix.Timestamp
		return fix, nil
	}

	if err := d.scanner.Err(); err != nil {
		return geo.Fix{}, err
	}
	return geo.Fix{}, io.EOF
}

// Sentences returns the number of lines read so far
func (d *Decoder) Sentences() uint64 {
	return d.sentences
}

// Rejected returns the number of malformed sentences skipped
func (d *Decoder) Rejected() uint64 {
	return d.rejected
}

// isEOF reports whether err ends the stream for good
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
