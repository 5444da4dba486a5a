package bbcode

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// SmileyDef pairs a smiley code with its image URL.
type SmileyDef struct {
	Code string `mapstructure:"code" yaml:"code"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// Smilies is an immutable lookup table between smiley codes and image URLs.
// A new table is built whenever the forum's list changes; existing tables are
// never modified.
type Smilies struct {
	codeToURL map[string]string
	urlToCode map[string]string
	codes     []string

	once    sync.Once
	pattern *regexp.Regexp
}

// NewSmilies builds a table from the forum's smilies with custom entries
// layered on top. A custom entry replaces a forum entry with the same code.
func NewSmilies(forum, custom []SmileyDef) *Smilies {
	s := &Smilies{
		codeToURL: make(map[string]string, len(forum)+len(custom)),
		urlToCode: make(map[string]string, len(forum)+len(custom)),
	}
	for _, d := range forum {
		if d.Code == "" {
			continue
		}
		s.codeToURL[d.Code] = d.URL
	}
	for _, d := range custom {
		if d.Code == "" {
			continue
		}
		s.codeToURL[d.Code] = d.URL
	}

	s.codes = make([]string, 0, len(s.codeToURL))
	for code := range s.codeToURL {
		s.codes = append(s.codes, code)
	}
	SortLongestFirst(s.codes)

	// Several codes can share an image; the first in priority order wins.
	for _, code := range s.codes {
		url := s.codeToURL[code]
		if _, ok := s.urlToCode[url]; !ok {
			s.urlToCode[url] = code
		}
	}
	return s
}

// SortLongestFirst orders codes by descending length, ties broken by
// descending lexicographic order.
func SortLongestFirst(codes []string) {
	sort.Slice(codes, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(codes[i]), utf8.RuneCountInString(codes[j])
		if li != lj {
			return li > lj
		}
		return codes[i] > codes[j]
	})
}

// Len reports the number of codes in the table.
func (s *Smilies) Len() int {
	if s == nil {
		return 0
	}
	return len(s.codes)
}

// URL returns the image URL for code.
func (s *Smilies) URL(code string) (string, bool) {
	if s == nil {
		return "", false
	}
	url, ok := s.codeToURL[code]
	return url, ok
}

// Code returns the code for an image URL.
func (s *Smilies) Code(url string) (string, bool) {
	if s == nil {
		return "", false
	}
	code, ok := s.urlToCode[url]
	return code, ok
}

// Codes returns all codes, longest first.
func (s *Smilies) Codes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.codes))
	copy(out, s.codes)
	return out
}

// Pattern matches a run of opening brackets or any smiley code, preferring
// longer codes.
func (s *Smilies) Pattern() *regexp.Regexp {
	if s == nil {
		return bracketsOnly
	}
	s.once.Do(func() {
		alts := make([]string, 0, len(s.codes)+1)
		alts = append(alts, `\[+`)
		for _, code := range s.codes {
			alts = append(alts, regexp.QuoteMeta(code))
		}
		s.pattern = regexp.MustCompile(strings.Join(alts, "|"))
	})
	return s.pattern
}

var bracketsOnly = regexp.MustCompile(`\[+`)
