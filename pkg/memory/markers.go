package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"guild/pkg/protocol"
)

// markerRe matches explicit memory markers in model output:
//
//	[MEMORY] tier=semantic: prefer table-driven tests
//	[MEMORY] tier=working importance=0.8: auth module owns token refresh
var markerRe = regexp.MustCompile(`(?m)^\[MEMORY\]\s+tier=(\w+)(?:\s+importance=([0-9.]+))?:\s+(.+)$`)

// Marker is one extracted memory directive.
type Marker struct {
	Tier       protocol.MemoryTier
	Importance float64
	Content    string
}

// ExtractMarkers pulls all memory markers out of model output. Markers
// with an unknown tier or empty content are skipped. The cleaned text
// has marker lines removed so they never reach the requester.
func ExtractMarkers(output string) (markers []Marker, cleaned string) {
	matches := markerRe.FindAllStringSubmatch(output, -1)
	for _, m := range matches {
		tier := protocol.MemoryTier(strings.ToLower(m[1]))
		if !tier.Valid() {
			continue
		}
		content := strings.TrimSpace(m[3])
		if content == "" {
			continue
		}
		imp := DefaultImportance
		if m[2] != "" {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil && v > 0 && v <= 1 {
				imp = v
			}
		}
		markers = append(markers, Marker{Tier: tier, Importance: imp, Content: content})
	}

	cleaned = markerRe.ReplaceAllString(output, "")
	cleaned = strings.TrimSpace(regexp.MustCompile(`\n{3,}`).ReplaceAllString(cleaned, "\n\n"))
	return markers, cleaned
}

// implicitPatterns find durable facts stated in prose without an
// explicit marker. Matches land in the working tier at default
// importance so decay can sort out which ones matter.
var implicitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^(?:note|remember|important):\s+(.+)$`),
	regexp.MustCompile(`(?i)\b(?:going forward|from now on),?\s+(.{10,120})`),
}

// ExtractImplicit finds prose-level facts worth keeping. Unlike
// ExtractMarkers it does not alter the text.
func ExtractImplicit(output string) []Marker {
	var markers []Marker
	seen := make(map[string]bool)
	for _, re := range implicitPatterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			content := strings.TrimSpace(m[1])
			if content == "" || seen[content] {
				continue
			}
			seen[content] = true
			markers = append(markers, Marker{
				Tier:       protocol.TierWorking,
				Importance: DefaultImportance,
				Content:    content,
			})
		}
	}
	return markers
}

// RecallBlock formats retrieved items as a prompt section. Core items
// come first, then the rest in the order given.
func RecallBlock(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var core, rest []Item
	for _, it := range items {
		if it.Tier == protocol.TierCore {
			core = append(core, it)
		} else {
			rest = append(rest, it)
		}
	}

	var b strings.Builder
	b.WriteString("## Memory\n")
	for _, it := range append(core, rest...) {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Tier, it.Content)
	}
	return b.String()
}
