package similarity

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

var (
	segOnce sync.Once
	seg     gse.Segmenter
	segErr  error
)

// segmenter loads the embedded Chinese dictionary and stop word list on first use.
func segmenter() (*gse.Segmenter, error) {
	segOnce.Do(func() {
		seg.SkipLog = true
		if err := seg.LoadDictEmbed(); err != nil {
			segErr = goerr.Wrap(err, "failed to load segmentation dictionary")
			return
		}
		if err := seg.LoadStopEmbed(); err != nil {
			segErr = goerr.Wrap(err, "failed to load stop words")
		}
	})
	if segErr != nil {
		logging.Default().Error("word segmentation unavailable, falling back to characters", "error", segErr)
	}
	return &seg, segErr
}

// cutWords segments text into words without stop words. Without a dictionary every Han
// character becomes a word.
func cutWords(text string) []string {
	sg, err := segmenter()
	if err != nil {
		return cutRunes(text)
	}

	var words []string
	for _, w := range sg.Cut(text) {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if hasHan(w) && sg.IsStop(w) {
			continue
		}
		words = append(words, w)
	}
	return words
}

func cutRunes(text string) []string {
	var (
		words []string
		latin strings.Builder
	)
	flush := func() {
		if latin.Len() > 0 {
			words = append(words, latin.String())
			latin.Reset()
		}
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			flush()
			words = append(words, string(r))
			continue
		}
		latin.WriteRune(r)
	}
	flush()
	return words
}
