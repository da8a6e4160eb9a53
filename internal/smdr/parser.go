package smdr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/calldoc/calldoc/internal/database/models"
)

// MinFields is the number of base fields every accepted SMDR line carries.
// IP Office releases before 8.0 stop here; later releases append five
// extension fields.
const MinFields = 30

// TimeLayout is the SMDR call start and record time format.
const TimeLayout = "2006/01/02 15:04:05"

// Field positions (zero-based) in an SMDR line.
const (
	fieldCallStart = iota
	fieldConnectedTime
	fieldRingTime
	fieldCaller
	fieldDirection
	fieldCalledNumber
	fieldDialledNumber
	fieldAccount
	fieldIsInternal
	fieldCallID
	fieldContinuation
	fieldParty1Device
	fieldParty1Name
	fieldParty2Device
	fieldParty2Name
	fieldHoldTime
	fieldParkTime
	fieldAuthValid
	fieldAuthCode
	fieldUserCharged
	fieldCallCharge
	fieldCurrency
	fieldAmountAtChange
	fieldCallUnits
	fieldUnitsAtChange
	fieldCostPerUnit
	fieldMarkUp
	fieldExtTargetingCause
	fieldExtTargeterID
	fieldExtTargetedNumber
	fieldCallingServerIP
	fieldCallerUniqueCallID
	fieldCalledServerIP
	fieldCalledUniqueCallID
	fieldRecordTime
)

// Parser turns raw SMDR lines into CDRs. Timestamps on the wire carry no
// zone and are read in Location.
type Parser struct {
	Location *time.Location
}

// ParseLine parses line with timestamps in the local zone.
func ParseLine(line string) (*models.CDR, bool) {
	return Parser{Location: time.Local}.Parse(line)
}

// Parse returns the CDR for line, or false when the line is not a call
// record (too few fields, or a direction other than I/O such as a header).
// Malformed numeric and time fields are coerced to zero values.
func (p Parser) Parse(line string) (*models.CDR, bool) {
	fields := SplitCSVLine(line)
	if len(fields) < MinFields {
		return nil, false
	}
	dir := strings.TrimSpace(fields[fieldDirection])
	if dir != "I" && dir != "O" {
		return nil, false
	}

	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	c := &models.CDR{
		RawLine:                line,
		CallStart:              parseTime(get(fieldCallStart), loc),
		ConnectedTime:          ParseDuration(get(fieldConnectedTime)),
		RingTime:               atoi(get(fieldRingTime)),
		Caller:                 get(fieldCaller),
		Direction:              dir,
		CalledNumber:           get(fieldCalledNumber),
		DialledNumber:          get(fieldDialledNumber),
		Account:                get(fieldAccount),
		IsInternal:             get(fieldIsInternal) == "1",
		CallID:                 atoi64(get(fieldCallID)),
		Continuation:           get(fieldContinuation) == "1",
		Party1Device:           get(fieldParty1Device),
		Party1Name:             get(fieldParty1Name),
		Party2Device:           get(fieldParty2Device),
		Party2Name:             get(fieldParty2Name),
		HoldTime:               atoi(get(fieldHoldTime)),
		ParkTime:               atoi(get(fieldParkTime)),
		AuthValid:              get(fieldAuthValid),
		AuthCode:               get(fieldAuthCode),
		UserCharged:            get(fieldUserCharged),
		CallCharge:             get(fieldCallCharge),
		Currency:               get(fieldCurrency),
		AmountAtChange:         get(fieldAmountAtChange),
		CallUnits:              atoi(get(fieldCallUnits)),
		UnitsAtChange:          atoi(get(fieldUnitsAtChange)),
		CostPerUnit:            atoi(get(fieldCostPerUnit)),
		MarkUp:                 atoi(get(fieldMarkUp)),
		ExternalTargetingCause: get(fieldExtTargetingCause),
		ExternalTargeterID:     get(fieldExtTargeterID),
		ExternalTargetedNumber: get(fieldExtTargetedNumber),
		CallingServerIP:        get(fieldCallingServerIP),
		CallerUniqueCallID:     get(fieldCallerUniqueCallID),
		CalledServerIP:         get(fieldCalledServerIP),
		CalledUniqueCallID:     get(fieldCalledUniqueCallID),
		RecordTime:             parseTime(get(fieldRecordTime), loc),
	}
	return c, true
}

// SplitCSVLine splits line on commas. Double-quoted fields may contain
// commas, and a doubled quote inside a quoted field is a literal quote.
func SplitCSVLine(line string) []string {
	var (
		fields  []string
		field   strings.Builder
		inQuote bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case inQuote && ch == '"':
			if i+1 < len(line) && line[i+1] == '"' {
				field.WriteByte('"')
				i++
			} else {
				inQuote = false
			}
		case inQuote:
			field.WriteByte(ch)
		case ch == '"':
			inQuote = true
		case ch == ',':
			fields = append(fields, field.String())
			field.Reset()
		default:
			field.WriteByte(ch)
		}
	}
	return append(fields, field.String())
}

// ParseDuration converts "H:MM:SS" to seconds. Anything else yields 0.
func ParseDuration(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	sec, errS := strconv.Atoi(parts[2])
	if errH != nil || errM != nil || errS != nil {
		return 0
	}
	if h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0
	}
	return h*3600 + m*60 + sec
}

// FormatDuration renders seconds as "H:MM:SS".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

func parseTime(s string, loc *time.Location) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeLayout, s, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func atoi64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
