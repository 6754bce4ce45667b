package dataset

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify turns a label into an ascii identifier usable in formulas
func Slugify(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}

	var b strings.Builder

	lastUnderscore := false

	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)

			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')

			lastUnderscore = true
		}
	}

	slug := strings.TrimRight(b.String(), "_")
	if slug == "" {
		slug = "column"
	}

	if unicode.IsDigit(rune(slug[0])) {
		slug = "_" + slug
	}

	return slug
}

// SlugifyAll slugs labels in order, suffixing collisions so every slug is unique
func SlugifyAll(labels []string, taken ...string) []string {
	used := make(map[string]struct{}, len(labels)+len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}

	out := make([]string, 0, len(labels))

	for _, label := range labels {
		base := Slugify(label)
		slug := base

		for i := 1; ; i++ {
			if _, clash := used[slug]; !clash {
				break
			}

			slug = base + "_" + strconv.Itoa(i)
		}

		used[slug] = struct{}{}
		out = append(out, slug)
	}

	return out
}
