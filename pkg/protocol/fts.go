package protocol

import "strings"

// SanitizeFTS5Query quotes each term so FTS5 cannot interpret it as an
// operator ("and", "or", "not", "near" are all operators) and joins the
// terms with OR. FTS5's implicit AND would require every term to
// appear, which is too strict for recall-oriented memory search.
func SanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return query
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		// Embedded double quotes would break the quoting itself.
		clean := strings.ReplaceAll(w, `"`, "")
		if clean != "" {
			quoted = append(quoted, `"`+clean+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}
