package collie

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/collie-robotics/collie/cwire"
)

// RobotError is one decoded entry from a firmware error report.
// The firmware sends reports as errors (full list), add_error
// (raised) and rm_error (cleared) envelopes; each entry is a
// timestamped source and code pair translated here to readable text.
type RobotError struct {
	// Change is the envelope type that carried the entry:
	// [cwire.TypeErrors], [cwire.TypeAddError], or
	// [cwire.TypeRemoveError].
	Change string

	Time   time.Time
	Source int
	Code   int

	// SourceText and CodeText are human-readable translations.
	// Unknown codes fall back to "source-CODE" with the code in hex,
	// matching the firmware's own app display.
	SourceText string
	CodeText   string
}

func (e RobotError) String() string {
	return fmt.Sprintf("%s: %s: %s", e.Change, e.SourceText, e.CodeText)
}

// robotErrorSources names the firmware's error source categories.
var robotErrorSources = map[int]string{
	100: "Communication firmware malfunction",
	200: "Communication firmware malfunction",
	300: "Motor malfunction",
	400: "Radar malfunction",
	500: "UWB malfunction",
	600: "Motion Control",
}

// robotErrorCodes maps "source_CODEHEX" to the firmware's message
// for that code. Codes are bit flags, hence the hex keys.
var robotErrorCodes = map[string]string{
	"100_1":  "DDS message timeout",
	"100_2":  "Distribution switch abnormal",
	"100_10": "Battery communication error",
	"100_20": "Abnormal mote control communication",
	"100_40": "MCU communication error",
	"100_80": "Motor communication error",

	"200_1": "Rear left fan jammed",
	"200_2": "Rear right fan jammed",
	"200_4": "Front fan jammed",

	"300_1":   "Overcurrent",
	"300_2":   "Overvoltage",
	"300_4":   "Driver overheating",
	"300_8":   "Generatrix undervoltage",
	"300_10":  "Winding overheating",
	"300_20":  "Encoder abnormal",
	"300_100": "Motor communication interruption",

	"400_1":  "Motor rotate speed abnormal",
	"400_2":  "PointCloud data abnormal",
	"400_4":  "Serial port data abnormal",
	"400_10": "Abnormal dirt index",

	"500_1": "UWB serial port open abnormal",
	"500_2": "Robot dog information retrieval abnormal",

	"600_4": "Overheating software protection",
	"600_8": "Low battery software protection",
}

// robotErrorText translates a source and code pair, falling back to
// numeric forms for entries the table does not cover.
func robotErrorText(source, code int) (sourceText, codeText string) {
	hex := strings.ToUpper(strconv.FormatInt(int64(code), 16))

	sourceText, ok := robotErrorSources[source]
	if !ok {
		sourceText = strconv.Itoa(source)
	}
	codeText, ok = robotErrorCodes[strconv.Itoa(source)+"_"+hex]
	if !ok {
		codeText = fmt.Sprintf("%d-%s", source, hex)
	}
	return sourceText, codeText
}

// parseRobotErrors decodes an error report envelope. The payload is
// an array of [timestamp, source, code] triples.
func parseRobotErrors(env cwire.Envelope) ([]RobotError, error) {
	var entries [][]int64
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return nil, fmt.Errorf("parsing error report payload: %w", err)
	}

	out := make([]RobotError, 0, len(entries))
	for _, e := range entries {
		if len(e) != 3 {
			return nil, fmt.Errorf(
				"error report entry has %d fields, want 3", len(e),
			)
		}

		source, code := int(e[1]), int(e[2])
		sourceText, codeText := robotErrorText(source, code)
		out = append(out, RobotError{
			Change: env.Type,

			Time:   time.Unix(e[0], 0),
			Source: source,
			Code:   code,

			SourceText: sourceText,
			CodeText:   codeText,
		})
	}
	return out, nil
}
