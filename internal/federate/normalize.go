package federate

import "strings"

// SuspenseTag replaces suspense boundary comments so the parser sees each
// boundary as an element wrapping its content.
const SuspenseTag = "fed-suspense"

var suspenseMarkers = strings.NewReplacer(
	"<!--$!-->", "<"+SuspenseTag+">",
	"<!--$-->", "<"+SuspenseTag+">",
	"<!--/$!-->", "</"+SuspenseTag+">",
	"<!--/$-->", "</"+SuspenseTag+">",
)

// NormalizeSuspense rewrites suspense boundary comments into SuspenseTag
// open/close tags. Everything else is left byte-for-byte.
func NormalizeSuspense(s string) string {
	return suspenseMarkers.Replace(s)
}
