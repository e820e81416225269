package sequence

import (
	"fmt"
	"strconv"
	"strings"
)

// Separator joins steps inside a sequence and sequences inside a program.
// The firmware uses the same byte for both; a sequence boundary is only
// recognisable by the 'T' that opens the next one.
const Separator = "-"

// Encode renders sequences into the wire format
//
//	T<delay><joint><angle>-<joint><angle>-T<delay><joint><angle>
//
// Encode does not validate. A sequence without steps renders as "T<delay>".
func Encode(seqs []Sequence) string {
	var b strings.Builder
	for i, s := range seqs {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteByte('T')
		b.WriteString(strconv.Itoa(s.DelayMs))
		for j, st := range s.Steps {
			if j > 0 {
				b.WriteString(Separator)
			}
			b.WriteString(st.Joint)
			b.WriteString(strconv.Itoa(st.Angle))
		}
	}
	return b.String()
}

// ParseInline parses the shorthand "<delay>:<joint>=<angle>,<joint>=<angle>"
// used on the command line, e.g. "500:J1=25,J2=90". A joint without an angle
// gets DefaultAngle. The result is validated.
func ParseInline(s string) (Sequence, error) {
	delayPart, stepsPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Sequence{}, fmt.Errorf("parse %q: missing ':' after delay", s)
	}
	delay, err := strconv.Atoi(strings.TrimSpace(delayPart))
	if err != nil {
		return Sequence{}, fmt.Errorf("parse %q: delay: %w", s, err)
	}

	seq := New(delay)
	for _, field := range strings.Split(stepsPart, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		joint, angleStr, ok := strings.Cut(field, "=")
		angle := DefaultAngle
		if ok {
			if angle, err = strconv.Atoi(strings.TrimSpace(angleStr)); err != nil {
				return Sequence{}, fmt.Errorf("parse %q: step %q: %w", s, field, err)
			}
		}
		seq.Steps = append(seq.Steps, Step{Joint: strings.ToUpper(strings.TrimSpace(joint)), Angle: angle})
	}

	if err := seq.Validate(); err != nil {
		return Sequence{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return seq, nil
}
