package feedback

import (
	"math"
	"sort"
	"strings"

	"mailpilot/internal/model"
)

// StyleStats 从已发送邮件统计出的写作习惯
type StyleStats struct {
	AvgWords      int
	Greeting      string
	SignOff       string
	UsesBullets   bool
	Formality     float64
	Tone          model.Tone
	CommonPhrases []string
	SampleSize    int
}

var contractions = map[string]bool{
	"i'm": true, "i've": true, "i'll": true, "i'd": true, "don't": true, "can't": true, "won't": true,
	"it's": true, "that's": true, "we're": true, "you're": true, "let's": true, "didn't": true,
	"isn't": true, "there's": true, "we'll": true, "you'll": true, "doesn't": true, "wasn't": true,
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "to": true, "of": true, "in": true,
	"on": true, "for": true, "is": true, "it": true, "at": true, "be": true, "this": true, "that": true,
}

// AnalyzeSent 统计已发送邮件；样本为空时返回零值
func AnalyzeSent(msgs []model.Message) StyleStats {
	var (
		stats      StyleStats
		totalWords int
		greetCount = map[string]int{}
		signCount  = map[string]int{}
		bullets    int
		formality  float64
		phraseDocs = map[string]int{}
	)

	for _, m := range msgs {
		text := ownText(m.Body())
		ws := words(text)
		if len(ws) == 0 {
			continue
		}
		stats.SampleSize++
		totalWords += len(ws)

		g := greetingOf(text)
		if g != "" {
			greetCount[g]++
		}
		s := signOffOf(text)
		if s != "" {
			signCount[s]++
		}
		if hasBullets(text) {
			bullets++
		}
		formality += messageFormality(text, ws, g, s)

		seen := map[string]bool{}
		for _, p := range trigrams(ws) {
			if !seen[p] {
				seen[p] = true
				phraseDocs[p]++
			}
		}
	}
	if stats.SampleSize == 0 {
		return stats
	}

	n := stats.SampleSize
	stats.AvgWords = int(math.Round(float64(totalWords) / float64(n)))
	stats.Greeting = titleCase(dominant(greetCount, n))
	stats.SignOff = titleCase(dominant(signCount, n))
	stats.UsesBullets = float64(bullets)/float64(n) >= 0.3
	stats.Formality = math.Round(formality/float64(n)*100) / 100
	stats.Tone = toneFor(stats.Formality)
	stats.CommonPhrases = commonPhrases(phraseDocs, n)
	return stats
}

// messageFormality 0 为随意，1 为正式
func messageFormality(text string, ws []string, greeting, signOff string) float64 {
	contracted := 0
	for _, w := range ws {
		if contractions[w] {
			contracted++
		}
	}
	sentences := max(strings.Count(text, ".")+strings.Count(text, "!")+strings.Count(text, "?"), 1)
	exclaim := float64(strings.Count(text, "!")) / float64(sentences)

	f := 0.6 - 4*float64(contracted)/float64(len(ws)) - 0.3*exclaim
	switch greeting {
	case "dear", "good morning", "good afternoon":
		f += 0.2
	case "hey":
		f -= 0.15
	}
	switch signOff {
	case "sincerely", "kind regards", "best regards", "regards":
		f += 0.1
	case "cheers":
		f -= 0.1
	}
	return min(max(f, 0), 1)
}

func toneFor(formality float64) model.Tone {
	switch {
	case formality >= 0.7:
		return model.ToneFormal
	case formality >= 0.45:
		return model.ToneProfessional
	case formality >= 0.25:
		return model.ToneFriendly
	default:
		return model.ToneCasual
	}
}

// dominant 出现在至少 40% 样本中的最常见取值
func dominant(counts map[string]int, n int) string {
	best, bestN := "", 0
	for k, c := range counts {
		if c > bestN || (c == bestN && k < best) {
			best, bestN = k, c
		}
	}
	if float64(bestN)/float64(n) < 0.4 {
		return ""
	}
	return best
}

func trigrams(ws []string) []string {
	var out []string
	for i := 0; i+3 <= len(ws); i++ {
		g := ws[i : i+3]
		if stopwords[g[0]] && stopwords[g[1]] && stopwords[g[2]] {
			continue
		}
		out = append(out, strings.Join(g, " "))
	}
	return out
}

// commonPhrases 至少在 3 封且 20% 的邮件中出现的三词短语，最多 5 条
func commonPhrases(docs map[string]int, n int) []string {
	threshold := max(3, int(math.Ceil(float64(n)*0.2)))
	var out []string
	for p, c := range docs {
		if c >= threshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if docs[out[i]] != docs[out[j]] {
			return docs[out[i]] > docs[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}
