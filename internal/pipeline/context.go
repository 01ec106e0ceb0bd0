package pipeline

import (
	"strings"

	"playlistgen/internal/domain"
)

// BuildContext renders fetched metadata into the single text block every
// stage prompt reasons over: a target-artist header, then one line per
// related artist. Pure and deterministic; the downstream role instructions
// assume exactly this shape.
func BuildContext(meta domain.ArtistMetadata) string {
	var b strings.Builder
	b.WriteString("TARGET ARTIST: ")
	b.WriteString(meta.SourceArtist)
	b.WriteString(" (top tracks: ")
	b.WriteString(strings.Join(meta.SourceTracks, ", "))
	b.WriteString(")\n")
	b.WriteString("RELATED ARTISTS:\n")
	for _, rel := range meta.Similar {
		b.WriteString("- ")
		b.WriteString(rel.Name)
		b.WriteString(" (tracks: ")
		b.WriteString(strings.Join(rel.Tracks, ", "))
		b.WriteString(")\n")
	}
	return b.String()
}
