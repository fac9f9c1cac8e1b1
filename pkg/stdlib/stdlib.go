// Package stdlib embeds Cmel's bundled modules: a virtual filesystem
// mapping logical module names ("testing.cmel") to baked-in source text,
// consulted only after the real filesystem comes up empty (spec.md §4.6
// step 3's "prefer filesystem; else look up in embedded stdlib table").
package stdlib

import "embed"

//go:embed modules/*.cmel
var files embed.FS

// Load looks up name (already canonicalized with its ".cmel" suffix) in
// the embedded module set.
func Load(name string) (string, bool) {
	data, err := files.ReadFile("modules/" + name)
	if err != nil {
		return "", false
	}
	return string(data), true
}
