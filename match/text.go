package match

import "strings"

// stemLen is how many leading runes identify a word. Russian inflection
// lives in the suffix, so a short prefix collapses case and number forms
// ("москвичи", "москвичам" -> "моск").
const stemLen = 4

// commonStoplist holds words too frequent in news copy to signal a shared
// story: attribution verbs mostly, plus a few stems that appear in nearly
// every city headline.
var commonStoplist = map[string]struct{}{
	"рассказал": {}, "рассказала": {}, "рассказало": {}, "рассказали": {},
	"сообщил": {}, "сообщила": {}, "сообщило": {}, "сообщили": {},
	"заявил": {}, "заявила": {}, "заявило": {}, "заявили": {},
	"отметил": {}, "отметила": {}, "отметило": {}, "отметили": {},
	"уточнил": {}, "уточнила": {}, "уточнило": {}, "уточнили": {},
	"указал": {}, "указала": {}, "указало": {}, "указали": {},
	"подчеркнул": {}, "подчеркнула": {}, "подчеркнуло": {}, "подчеркнули": {},
	"добавил": {}, "добавила": {}, "добавило": {}, "добавили": {},
	"прокомментировал": {}, "прокомментировала": {}, "прокомментировало": {}, "прокомментировали": {},
	"написал": {}, "написала": {}, "написало": {}, "написали": {},
	"сказал": {}, "сказала": {}, "сказало": {}, "сказали": {},
	"собя": {}, "моск": {}, "ново": {},
}

// Normalize lowercases text and strips everything but Cyrillic, Latin,
// digits and spaces. Runs of whitespace collapse to one space.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'а' && r <= 'я', r == 'ё', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// stem returns the first stemLen runes of a word.
func stem(word string) string {
	runes := []rune(word)
	if len(runes) <= stemLen {
		return word
	}
	return string(runes[:stemLen])
}

// stemSet reduces text to a set of word stems, dropping words shorter
// than three runes and anything in the common stoplist.
func stemSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(Normalize(text)) {
		if len([]rune(word)) < 3 {
			continue
		}
		s := stem(word)
		if _, ok := commonStoplist[word]; ok {
			continue
		}
		if _, ok := commonStoplist[s]; ok {
			continue
		}
		set[s] = struct{}{}
	}
	return set
}

// CommonWords counts word stems shared by two titles after stoplist
// filtering. Three or more shared stems is strong evidence the titles
// cover the same story.
func CommonWords(a, b string) int {
	setA := stemSet(a)
	setB := stemSet(b)
	n := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			n++
		}
	}
	return n
}
