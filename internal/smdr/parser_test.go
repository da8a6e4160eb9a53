package smdr

import (
	"strings"
	"testing"
	"time"
)

// sampleFields is an outbound call leg with all 35 fields.
var sampleFields = []string{
	"2024/02/10 14:30:00", // call start
	"00:03:45",            // connected time
	"7",                   // ring time
	"201",                 // caller
	"O",                   // direction
	"+442075551234",       // called number
	"+442075551234",       // dialled number
	"",                    // account
	"0",                   // is internal
	"1000014160",          // call id
	"0",                   // continuation
	"E201",                // party1 device
	"Alice Smith",         // party1 name
	"T9001",               // party2 device
	"Line 1.1",            // party2 name
	"11",                  // hold time
	"0",                   // park time
	"n/a",                 // auth valid
	"",                    // auth code
	"",                    // user charged
	"",                    // call charge
	"GBP",                 // currency
	"",                    // amount at last user change
	"",                    // call units
	"",                    // units at last user change
	"",                    // cost per unit
	"",                    // mark up
	"",                    // external targeting cause
	"",                    // external targeter id
	"",                    // external targeted number
	"192.168.1.10",        // calling party server ip
	"1234",                // unique call id for the caller extension
	"",                    // called party server ip
	"",                    // unique call id for the called extension
	"2024/02/10 14:33:52", // record time
}

func sampleLine() string {
	return strings.Join(sampleFields, ",")
}

func TestParseLineSample(t *testing.T) {
	if len(sampleFields) != 35 {
		t.Fatalf("sample has %d fields, want 35", len(sampleFields))
	}

	p := Parser{Location: time.UTC}
	c, ok := p.Parse(sampleLine())
	if !ok {
		t.Fatal("Parse() rejected a valid line")
	}

	if c.Direction != "O" {
		t.Errorf("Direction = %q, want O", c.Direction)
	}
	if c.CallID != 1000014160 {
		t.Errorf("CallID = %d, want 1000014160", c.CallID)
	}
	if c.HoldTime != 11 {
		t.Errorf("HoldTime = %d, want 11", c.HoldTime)
	}
	if c.ConnectedTime != 225 {
		t.Errorf("ConnectedTime = %d, want 225", c.ConnectedTime)
	}
	if c.RingTime != 7 {
		t.Errorf("RingTime = %d, want 7", c.RingTime)
	}
	if c.Continuation {
		t.Error("Continuation = true, want false")
	}
	want := time.Date(2024, 2, 10, 14, 30, 0, 0, time.UTC)
	if !c.CallStart.Equal(want) {
		t.Errorf("CallStart = %v, want %v", c.CallStart, want)
	}
	if c.CallingServerIP != "192.168.1.10" || c.CallerUniqueCallID != "1234" {
		t.Errorf("extension fields = %q %q", c.CallingServerIP, c.CallerUniqueCallID)
	}
	if c.RecordTime.IsZero() {
		t.Error("RecordTime not parsed")
	}
	if c.Party1Name != "Alice Smith" || c.Currency != "GBP" {
		t.Errorf("text fields = %q %q", c.Party1Name, c.Currency)
	}
	if c.RawLine != sampleLine() {
		t.Error("RawLine not preserved")
	}
}

func TestParseLineRejects(t *testing.T) {
	header := make([]string, 30)
	copy(header, []string{"CallStart", "ConnectedTime", "RingTime", "Caller", "Direction"})

	noise := append([]string(nil), sampleFields...)
	noise[fieldDirection] = "X"

	tests := []struct {
		name string
		line string
	}{
		{"short line", "a,b,c"},
		{"empty", ""},
		{"29 fields", strings.Join(sampleFields[:29], ",")},
		{"header", strings.Join(header, ",")},
		{"bad direction", strings.Join(noise, ",")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ParseLine(tt.line)
			if ok || c != nil {
				t.Errorf("ParseLine(%q) = %+v, %v; want nil, false", tt.line, c, ok)
			}
		})
	}
}

func TestParseLineWithoutExtensionFields(t *testing.T) {
	c, ok := Parser{Location: time.UTC}.Parse(strings.Join(sampleFields[:30], ","))
	if !ok {
		t.Fatal("30-field line rejected")
	}
	if c.CallingServerIP != "" || c.CalledUniqueCallID != "" {
		t.Errorf("extension fields not empty: %+v", c)
	}
	if !c.RecordTime.IsZero() {
		t.Errorf("RecordTime = %v, want zero", c.RecordTime)
	}
}

func TestParseLineCoercesMalformed(t *testing.T) {
	fields := append([]string(nil), sampleFields...)
	fields[fieldCallStart] = "10/02/2024"
	fields[fieldConnectedTime] = "3m45s"
	fields[fieldHoldTime] = "eleven"
	fields[fieldCallID] = ""
	fields[fieldContinuation] = "1"

	c, ok := Parser{Location: time.UTC}.Parse(strings.Join(fields, ","))
	if !ok {
		t.Fatal("line with malformed optional fields rejected")
	}
	if !c.CallStart.IsZero() {
		t.Errorf("CallStart = %v, want zero", c.CallStart)
	}
	if c.ConnectedTime != 0 || c.HoldTime != 0 || c.CallID != 0 {
		t.Errorf("numeric fields not coerced: connected=%d hold=%d callid=%d",
			c.ConnectedTime, c.HoldTime, c.CallID)
	}
	if !c.Continuation {
		t.Error("Continuation = false, want true")
	}
}

func TestSplitCSVLine(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "", "c"}},
		{"", []string{""}},
		{`"Smith, John",201`, []string{"Smith, John", "201"}},
		{`"He said ""hi""",x`, []string{`He said "hi"`, "x"}},
		{`"",""`, []string{"", ""}},
		{`a,"b,c,d",e`, []string{"a", "b,c,d", "e"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := SplitCSVLine(tt.line)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitCSVLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("field %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitCSVLineQuotedRoundTrip(t *testing.T) {
	originals := []string{`Queue "Sales", UK`, `""`, `,`, `plain`}

	quoted := make([]string, len(originals))
	for i, s := range originals {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}

	got := SplitCSVLine(strings.Join(quoted, ","))
	if len(got) != len(originals) {
		t.Fatalf("got %d fields, want %d", len(got), len(originals))
	}
	for i := range originals {
		if got[i] != originals[i] {
			t.Errorf("field %d = %q, want %q", i, got[i], originals[i])
		}
	}
}

func TestDurationRoundTrip(t *testing.T) {
	for _, secs := range []int{0, 1, 59, 60, 61, 225, 3599, 3600, 3661, 86399, 360000} {
		if got := ParseDuration(FormatDuration(secs)); got != secs {
			t.Errorf("ParseDuration(FormatDuration(%d)) = %d", secs, got)
		}
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1:2", "0:60:00", "0:00:60", "-1:00:00", "1:00:00:00", "a:b:c"} {
		if got := ParseDuration(s); got != 0 {
			t.Errorf("ParseDuration(%q) = %d, want 0", s, got)
		}
	}
	if got := ParseDuration("00:03:45"); got != 225 {
		t.Errorf("ParseDuration(00:03:45) = %d, want 225", got)
	}
}
