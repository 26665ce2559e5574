package convert

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

// AggregatePDFName is the artifact name of a raster-to-document conversion.
const AggregatePDFName = "output.pdf"

// maxStemBytes leaves room under the 255-byte file name limit for the
// duplicate, page and extension suffixes.
const maxStemBytes = 200

// namer hands out artifact names that are unique within one batch.
type namer struct {
	mu    sync.Mutex
	taken map[string]struct{}
	stems map[string]int
}

func newNamer() *namer {
	return &namer{
		taken: make(map[string]struct{}),
		stems: make(map[string]int),
	}
}

// stem returns the base name used for an input's artifacts. Repeated input
// names get -2, -3, ... so a.pdf, a.pdf yields a and a-2.
func (n *namer) stem(originalName string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	base := clipStem(strings.TrimSuffix(originalName, filepath.Ext(originalName)))
	if base == "" {
		base = "file"
	}
	n.stems[base]++
	if c := n.stems[base]; c > 1 {
		return fmt.Sprintf("%s-%d", base, c)
	}
	return base
}

// reserve claims name, or the first free "<name>-N<ext>" variant.
func (n *namer) reserve(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, used := n.taken[candidate]; !used {
			n.taken[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

// pageName names the PNG of one page: a.png for single-page documents,
// a-page-N.png otherwise.
func pageName(stem string, pageIndex, pageCount int) string {
	if pageCount == 1 {
		return stem + ".png"
	}
	return fmt.Sprintf("%s-page-%d.png", stem, pageIndex+1)
}

// clipStem cuts s to at most maxStemBytes without splitting a UTF-8 sequence.
func clipStem(s string) string {
	if len(s) <= maxStemBytes {
		return s
	}
	cut := maxStemBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
