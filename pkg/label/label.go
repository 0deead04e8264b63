// Package label decodes catalog labels of the form album_slug---artist_slug.
package label

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// Delimiter separates the album slug from the artist slug.
const Delimiter = "---"

// Decode splits raw at the first Delimiter, restores spaces and title-cases
// both halves. A label without the delimiter or with an empty side is
// reported as MalformedLabel.
func Decode(raw string) (types.ParsedLabel, error) {
	albumSlug, artistSlug, ok := strings.Cut(raw, Delimiter)
	if !ok {
		return types.ParsedLabel{}, types.Errorf(types.KindMalformedLabel, "label %q has no %q delimiter", raw, Delimiter)
	}

	album := Humanize(albumSlug)
	artist := Humanize(artistSlug)
	if strings.TrimSpace(album) == "" || strings.TrimSpace(artist) == "" {
		return types.ParsedLabel{}, types.Errorf(types.KindMalformedLabel, "label %q has an empty album or artist", raw)
	}
	return types.ParsedLabel{Album: album, Artist: artist}, nil
}

// Humanize replaces underscores with spaces and title-cases every word.
func Humanize(slug string) string {
	// Casers carry state and are not safe for concurrent use.
	return cases.Title(language.Und).String(strings.ReplaceAll(slug, "_", " "))
}

// Encode builds a raw label from human readable names. It is the inverse of
// Decode for names that are already title-cased.
func Encode(album, artist string) string {
	return slug(album) + Delimiter + slug(artist)
}

func slug(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
}
