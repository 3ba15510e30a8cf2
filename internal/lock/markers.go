package lock

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ppiankov/impetus/internal/model"
)

// Protected blocks are serialized with a trailing marker:
//
//	> do not look away<!-- lock:lock_01 source:primary len:18 created:2026-01-02T03:04:05Z -->
//
// len counts the runes immediately before the marker that belong to the
// region. Without len the region runs back to the start of the line.

// Body text that would read as a marker is escaped on write by adding a
// backslash after "<!-": "<!-- lock:" becomes "<!-\- lock:", and each
// escaped form gains one more backslash. Parsing strips exactly one.
var (
	markerRe   = regexp.MustCompile(`<!--\s*(lock:[^<>]*?)\s*-->`)
	escapeRe   = regexp.MustCompile(`<!-(\\*)-(\s*lock:)`)
	unescapeRe = regexp.MustCompile(`<!-\\(\\*)-(\s*lock:)`)
)

// validID matches the characters allowed in region ids.
var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// AmbiguousError reports region ids that more than one marker claims.
type AmbiguousError struct {
	IDs []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("lock: ambiguous markers for %s", strings.Join(e.IDs, ", "))
}

// Marker is a lock recovered from (or written to) serialized text.
type Marker struct {
	Region Region
	Span   model.Span
}

// ParseResult is the outcome of scanning serialized text for markers.
type ParseResult struct {
	Text      string   // text with well-formed markers removed
	Markers   []Marker // in document order
	Skipped   int      // malformed or ambiguous lock markers left in place
	Ambiguous []string // ids claimed by more than one marker, sorted
}

// ParseMarkers strips well-formed lock markers from text and returns the
// regions they describe. Malformed markers are not locks: they are left in
// the text verbatim and counted in Skipped. An id carried by two or more
// markers yields no region at all and is listed in Ambiguous. ParseMarkers
// never fails.
func ParseMarkers(text string) ParseResult {
	res := parseMarkers(text, nil)
	counts := make(map[string]int, len(res.Markers))
	for _, m := range res.Markers {
		counts[m.Region.ID]++
	}
	var dup map[string]bool
	for id, n := range counts {
		if n > 1 {
			if dup == nil {
				dup = make(map[string]bool)
			}
			dup[id] = true
		}
	}
	if dup == nil {
		return res
	}

	res = parseMarkers(text, dup)
	for id := range dup {
		res.Ambiguous = append(res.Ambiguous, id)
	}
	sort.Strings(res.Ambiguous)
	return res
}

func parseMarkers(text string, exclude map[string]bool) ParseResult {
	var (
		out    []rune
		res    ParseResult
		cursor = 0
	)

	for _, loc := range markerRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		out = append(out, []rune(unescape(text[cursor:start]))...)
		cursor = end

		m, ok := parseAnnotation(text[loc[2]:loc[3]], out)
		if !ok || exclude[m.Region.ID] {
			res.Skipped++
			out = append(out, []rune(text[start:end])...)
			continue
		}
		res.Markers = append(res.Markers, m)
	}
	out = append(out, []rune(unescape(text[cursor:]))...)

	res.Text = string(out)
	return res
}

func escape(s string) string {
	return escapeRe.ReplaceAllString(s, `<!-\${1}-${2}`)
}

func unescape(s string) string {
	return unescapeRe.ReplaceAllString(s, `<!-${1}-${2}`)
}

// parseAnnotation interprets "lock:<id> source:<mode> [len:<n>] [created:<ts>]"
// against the runes emitted so far.
func parseAnnotation(inner string, before []rune) (Marker, bool) {
	fields := strings.Fields(inner)
	if len(fields) == 0 {
		return Marker{}, false
	}

	id := strings.TrimPrefix(fields[0], "lock:")
	if id == "" || !validID.MatchString(id) {
		return Marker{}, false
	}

	var (
		source  model.Mode
		length  = -1
		created time.Time
	)
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, ":")
		if !ok {
			return Marker{}, false
		}
		switch key {
		case "source":
			mode, err := model.ParseMode(val)
			if err != nil || !mode.Agent() {
				return Marker{}, false
			}
			source = mode
		case "len":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return Marker{}, false
			}
			length = n
		case "created":
			ts, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return Marker{}, false
			}
			created = ts
		}
	}
	if source == "" {
		return Marker{}, false
	}

	end := len(before)
	start := end
	if length >= 0 {
		if length > end {
			return Marker{}, false
		}
		start = end - length
	} else {
		for start > 0 && before[start-1] != '\n' {
			start--
		}
	}

	return Marker{
		Region: Region{ID: id, Source: source, CreatedAt: created},
		Span:   model.Span{From: start, To: end},
	}, true
}

// FormatMarkers writes a marker after each span in text and escapes any
// marker syntax the text itself contains. Markers whose span falls outside
// text are dropped.
func FormatMarkers(text string, markers []Marker) string {
	sorted := make([]Marker, 0, len(markers))
	n := utf8.RuneCountInString(text)
	for _, m := range markers {
		if m.Span.From < 0 || m.Span.To > n || m.Span.To < m.Span.From {
			continue
		}
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Span.To != sorted[j].Span.To {
			return sorted[i].Span.To < sorted[j].Span.To
		}
		return sorted[i].Region.ID < sorted[j].Region.ID
	})

	runes := []rune(text)
	var b strings.Builder
	prev := 0
	for _, m := range sorted {
		b.WriteString(escape(string(runes[prev:m.Span.To])))
		b.WriteString(formatMarker(m))
		prev = m.Span.To
	}
	b.WriteString(escape(string(runes[prev:])))
	return b.String()
}

func formatMarker(m Marker) string {
	created := m.Region.CreatedAt
	if created.IsZero() {
		return fmt.Sprintf("<!-- lock:%s source:%s len:%d -->", m.Region.ID, m.Region.Source, m.Span.Len())
	}
	return fmt.Sprintf("<!-- lock:%s source:%s len:%d created:%s -->",
		m.Region.ID, m.Region.Source, m.Span.Len(), created.UTC().Format(time.RFC3339))
}

// Load parses text and registers every well-formed marker in reg.
// It returns the stripped text, the extent of each region and the number
// of skipped markers. Ambiguous markers are an *AmbiguousError and register
// nothing.
func Load(text string, reg *Registry) (string, map[string]model.Span, int, error) {
	res := ParseMarkers(text)
	if len(res.Ambiguous) > 0 {
		return "", nil, res.Skipped, &AmbiguousError{IDs: res.Ambiguous}
	}
	spans := make(map[string]model.Span, len(res.Markers))
	for _, m := range res.Markers {
		reg.Register(m.Region.ID, Meta{Source: m.Region.Source, CreatedAt: m.Region.CreatedAt})
		spans[m.Region.ID] = m.Span
	}
	return res.Text, spans, res.Skipped, nil
}

// Markers pairs every registered region that has an extent with that extent.
func Markers(reg *Registry, spans map[string]model.Span) []Marker {
	var out []Marker
	for _, region := range reg.Regions() {
		span, ok := spans[region.ID]
		if !ok {
			continue
		}
		out = append(out, Marker{Region: region, Span: span})
	}
	return out
}
