package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NameContext carries the per-volume values a naming template can draw
// on, plus the run-level multiplicity of each dimension. Conditional
// placeholders only expand for dimensions that are multi-valued.
type NameContext struct {
	Alias string
	Desc  string
	Type  string
	Date  string

	Series string

	Time  int
	Times int

	Echo   int
	Echoes int

	Study   int
	Studies int

	// Count is the rule-local match occurrence; CountMulti is set when
	// the rule accepted more than one candidate.
	Count      int
	CountMulti bool

	// Counter is the free-running volume counter across the whole run.
	Counter  int
	Counters int
}

// value resolves one template field name to its string form.
func (c *NameContext) value(field string) (string, error) {
	switch field {
	case "alias":
		return c.Alias, nil
	case "desc":
		return TidyDescription(c.Desc), nil
	case "type":
		return c.Type, nil
	case "date":
		return c.Date, nil
	case "series":
		return c.Series, nil
	case "t", "timepoint":
		return strconv.Itoa(c.Time), nil
	case "echo":
		return strconv.Itoa(c.Echo), nil
	case "study":
		return strconv.Itoa(c.Study), nil
	case "count":
		return strconv.Itoa(c.Count), nil
	case "counter":
		return fmt.Sprintf("%04d", c.Counter), nil
	}
	return "", fmt.Errorf("unknown template field %q", field)
}

// multi reports whether a field varies across the current run. Fields
// without a run-level dimension (alias, desc, date and friends) always
// count as multi-valued, so a conditional placeholder behaves like an
// unconditional one for them.
func (c *NameContext) multi(field string) bool {
	switch field {
	case "t", "timepoint":
		return c.Times > 1
	case "echo":
		return c.Echoes > 1
	case "study":
		return c.Studies > 1
	case "count":
		return c.CountMulti
	case "counter":
		return c.Counters > 1
	}
	return true
}

// placeholderPat matches %(field) and ?(field) with optional leading
// and trailing hyphen/underscore markers inside the parentheses.
var placeholderPat = regexp.MustCompile(`([%?])\(([-_]?)([A-Za-z]+)([-_]?)\)`)

// Expand resolves a naming template against a context. `%(field)`
// always substitutes; `?(field)` substitutes only when the field is
// multi-valued in this run; marker characters adjacent to the field
// name are emitted only when the field expands.
func Expand(template string, ctx *NameContext) (string, error) {
	var firstErr error
	out := placeholderPat.ReplaceAllStringFunc(template, func(ph string) string {
		sub := placeholderPat.FindStringSubmatch(ph)
		form, lead, field, trail := sub[1], sub[2], sub[3], sub[4]

		if form == "?" && !ctx.multi(field) {
			return ""
		}
		v, err := ctx.value(field)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		return lead + v + trail
	})
	if firstErr != nil {
		return "", firstErr
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("template %q expanded to an empty name", template)
	}
	return out, nil
}
