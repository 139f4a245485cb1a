// Package match evaluates an ordered set of declarative naming rules
// against candidate series. Rules live in a TOML file whose tables are
// rule names; declaration order is significant, since the first
// matching non-exhausted rule wins and count windows are consumed in
// candidate discovery order.
package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"volconv/internal/index"
)

// DefaultTemplate names volumes when no rule or default section
// overrides it.
const DefaultTemplate = "%(alias)?(-count)?(-t)?(-echo)"

// Range is a numeric window with omissible bounds, parsed from "lo:hi",
// ":hi", "lo:" or a bare value.
type Range struct {
	Lo, Hi *int
}

// ParseRange parses a range string. A bare integer is the degenerate
// range containing only itself.
func ParseRange(text string) (Range, error) {
	if !strings.Contains(text, ":") {
		v, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return Range{}, fmt.Errorf("bad range %q: %w", text, err)
		}
		return Range{Lo: &v, Hi: &v}, nil
	}

	parts := strings.SplitN(text, ":", 2)
	var r Range
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return Range{}, fmt.Errorf("bad range %q: %w", text, err)
		}
		if i == 0 {
			r.Lo = &v
		} else {
			r.Hi = &v
		}
	}
	return r, nil
}

// Contains reports whether n falls inside the range.
func (r Range) Contains(n int) bool {
	if r.Lo != nil && n < *r.Lo {
		return false
	}
	if r.Hi != nil && n > *r.Hi {
		return false
	}
	return true
}

// Rule is one compiled naming rule.
type Rule struct {
	Alias string

	pattern     *regexp.Regexp
	typePattern *regexp.Regexp
	days        *Range
	count       *Range
	series      *Range
	study       *Range

	template string
	tidy     bool

	// matched counts candidates whose predicates held, whether or not
	// the count window admitted them; counted is the accepted subset.
	matched int
	counted int
}

// ruleSpec is the raw TOML shape of one rule table.
type ruleSpec struct {
	Pattern    *string `toml:"pattern"`
	Type       *string `toml:"type"`
	Days       *string `toml:"days"`
	Count      *string `toml:"count"`
	Series     *string `toml:"series"`
	Study      *string `toml:"study"`
	Template   *string `toml:"template"`
	IgnoreCase *bool   `toml:"ignorecase"`
	Tidy       *bool   `toml:"tidy"`
}

// Matcher holds the compiled rules and, after FindMatches, the
// per-series match results.
type Matcher struct {
	rules           []*Rule
	defaultTemplate string

	matches map[seriesKey]result
}

type seriesKey struct {
	studyID, studyName, seriesNum string
}

type result struct {
	rule       *Rule
	occurrence int
}

// Load reads and compiles a rule file. Table order in the file fixes
// rule precedence; a [default] table supplies fallback values without
// itself being a rule.
func Load(path string) (*Matcher, error) {
	var raw map[string]ruleSpec
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("reading match file: %w", err)
	}

	m := &Matcher{
		defaultTemplate: DefaultTemplate,
		matches:         map[seriesKey]result{},
	}

	def := raw["default"]
	defIgnoreCase := true
	defTidy := true
	if def.Template != nil {
		m.defaultTemplate = *def.Template
	}
	if def.IgnoreCase != nil {
		defIgnoreCase = *def.IgnoreCase
	}
	if def.Tidy != nil {
		defTidy = *def.Tidy
	}

	seen := map[string]bool{}
	for _, key := range md.Keys() {
		if len(key) != 1 {
			continue
		}
		name := key[0]
		if name == "default" || seen[name] {
			continue
		}
		seen[name] = true

		spec := raw[name]
		rule, err := compileRule(name, spec, defIgnoreCase, defTidy)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		m.rules = append(m.rules, rule)
	}
	return m, nil
}

func compileRule(name string, spec ruleSpec, defIgnoreCase, defTidy bool) (*Rule, error) {
	r := &Rule{Alias: name, tidy: defTidy}

	ignoreCase := defIgnoreCase
	if spec.IgnoreCase != nil {
		ignoreCase = *spec.IgnoreCase
	}
	if spec.Tidy != nil {
		r.tidy = *spec.Tidy
	}

	compile := func(pat string) (*regexp.Regexp, error) {
		if ignoreCase {
			pat = "(?i)" + pat
		}
		return regexp.Compile(pat)
	}

	var err error
	if spec.Pattern != nil {
		if r.pattern, err = compile(*spec.Pattern); err != nil {
			return nil, err
		}
	}
	if spec.Type != nil {
		if r.typePattern, err = compile(*spec.Type); err != nil {
			return nil, err
		}
	}

	ranges := []struct {
		src *string
		dst **Range
	}{
		{spec.Days, &r.days},
		{spec.Count, &r.count},
		{spec.Series, &r.series},
		{spec.Study, &r.study},
	}
	for _, rr := range ranges {
		if rr.src == nil {
			continue
		}
		rng, err := ParseRange(*rr.src)
		if err != nil {
			return nil, err
		}
		*rr.dst = &rng
	}

	if spec.Template != nil {
		r.template = *spec.Template
	}
	return r, nil
}

var (
	underPat  = regexp.MustCompile(`[\s/^]`)
	removePat = regexp.MustCompile(`[^A-Za-z0-9,.;:=%^&()_+-]`)
)

// TidyDescription normalizes a protocol description so it can serve as
// a filename component.
func TidyDescription(desc string) string {
	return removePat.ReplaceAllString(underPat.ReplaceAllString(desc, "_"), "")
}

// dateDiff returns the whole-day difference between two YYYYMMDD dates.
func dateDiff(from, to string) (int, error) {
	d1, err := time.Parse("20060102", from)
	if err != nil {
		return 0, err
	}
	d2, err := time.Parse("20060102", to)
	if err != nil {
		return 0, err
	}
	return int(d2.Sub(d1).Hours() / 24), nil
}

// FindMatches evaluates every series of the index against the rules,
// consuming count windows in the index's deterministic study/series
// order. Must be called exactly once, before any extraction work, so
// occurrence counting never depends on downstream scheduling.
func (m *Matcher) FindMatches(idx *index.Index) {
	if len(idx.Studies) == 0 {
		return
	}
	baseline := idx.Studies[0].Date

	for _, st := range idx.Studies {
		for _, ser := range st.Series {
			m.evaluate(baseline, st, ser)
		}
	}
}

func (m *Matcher) evaluate(baseline string, st *index.Study, ser *index.Series) {
	for _, r := range m.rules {
		if r.pattern != nil {
			desc := ser.Desc
			if r.tidy {
				desc = TidyDescription(desc)
			}
			if !r.pattern.MatchString(desc) {
				continue
			}
		}
		if r.typePattern != nil && !r.typePattern.MatchString(ser.ImType) {
			continue
		}
		if r.days != nil {
			age, err := dateDiff(baseline, st.Date)
			if err != nil || !r.days.Contains(age) {
				continue
			}
		}
		if r.study != nil && !r.study.Contains(st.Ordinal) {
			continue
		}
		if r.series != nil && !r.series.Contains(seriesInt(ser.Num)) {
			continue
		}

		// All predicates hold; the occurrence index advances even when
		// the count window rejects it.
		occurrence := r.matched
		r.matched++

		if r.count != nil {
			if !r.count.Contains(occurrence) {
				continue
			}
			if r.count.Lo != nil {
				occurrence -= *r.count.Lo
			}
		}

		m.matches[seriesKey{st.ID, st.Name, ser.Num}] = result{rule: r, occurrence: occurrence}
		r.counted++
		return
	}
}

// Match returns the alias and occurrence index for a series. The
// occurrence is only meaningful (multi=true) when the rule accepted
// more than one candidate.
func (m *Matcher) Match(studyID, studyName, seriesNum string) (alias string, occurrence int, multi, ok bool) {
	res, ok := m.matches[seriesKey{studyID, studyName, seriesNum}]
	if !ok {
		return "", 0, false, false
	}
	return res.rule.Alias, res.occurrence, res.rule.counted > 1, true
}

// Template returns the naming template for a series, falling back to
// the default when the series is unmatched or its rule has none.
func (m *Matcher) Template(studyID, studyName, seriesNum string) string {
	if res, ok := m.matches[seriesKey{studyID, studyName, seriesNum}]; ok && res.rule.template != "" {
		return res.rule.template
	}
	return m.defaultTemplate
}

var digitsPat = regexp.MustCompile(`[0-9]+`)

// seriesInt extracts the numeric part of a series number for exact and
// range predicates.
func seriesInt(num string) int {
	n, _ := strconv.Atoi(digitsPat.FindString(num))
	return n
}
