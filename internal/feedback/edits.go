package feedback

import (
	"fmt"
	"math"
	"strings"

	"mailpilot/internal/model"
)

// 参与 LCS 的最大词数
const maxDiffTokens = 400

// EditPair 一次被用户修改过的草稿
type EditPair struct {
	ActionID int64
	Proposed model.ProposedContent
	Edited   model.ProposedContent
}

// EditStats 用户修改草稿的规律
type EditStats struct {
	LengthRatio float64
	Similarity  float64
	Insights    []string
	SampleSize  int
}

// AnalyzeEdits 比较原稿和修改稿；原稿为空的样本被忽略
func AnalyzeEdits(pairs []EditPair) EditStats {
	var (
		stats                          EditStats
		ratioSum, simSum               float64
		greetDropped, greetAdded       int
		signDropped, subjectsRewritten int
	)

	for _, p := range pairs {
		orig := ownText(p.Proposed.Body)
		edited := ownText(p.Edited.Body)
		ow, ew := words(orig), words(edited)
		if len(ow) == 0 {
			continue
		}
		stats.SampleSize++
		ratioSum += float64(len(ew)) / float64(len(ow))
		simSum += Similarity(ow, ew)

		og, eg := greetingOf(orig), greetingOf(edited)
		switch {
		case og != "" && eg == "":
			greetDropped++
		case og == "" && eg != "":
			greetAdded++
		}
		if signOffOf(orig) != "" && signOffOf(edited) == "" {
			signDropped++
		}
		if p.Edited.Subject != "" && !strings.EqualFold(strings.TrimSpace(p.Edited.Subject), strings.TrimSpace(p.Proposed.Subject)) {
			subjectsRewritten++
		}
	}
	if stats.SampleSize == 0 {
		return stats
	}

	n := float64(stats.SampleSize)
	stats.LengthRatio = math.Round(ratioSum/n*100) / 100
	stats.Similarity = math.Round(simSum/n*100) / 100

	switch {
	case stats.LengthRatio <= 0.85:
		stats.Insights = append(stats.Insights, fmt.Sprintf("shortens AI drafts by ~%d%%", int(math.Round((1-stats.LengthRatio)*100))))
	case stats.LengthRatio >= 1.15:
		stats.Insights = append(stats.Insights, fmt.Sprintf("lengthens AI drafts by ~%d%%", int(math.Round((stats.LengthRatio-1)*100))))
	}
	half := func(c int) bool { return float64(c)/n >= 0.5 }
	if half(greetDropped) {
		stats.Insights = append(stats.Insights, "removes the greeting")
	}
	if half(greetAdded) {
		stats.Insights = append(stats.Insights, "adds a greeting")
	}
	if half(signDropped) {
		stats.Insights = append(stats.Insights, "removes the sign-off")
	}
	if half(subjectsRewritten) {
		stats.Insights = append(stats.Insights, "rewrites the subject line")
	}
	switch {
	case stats.Similarity < 0.5:
		stats.Insights = append(stats.Insights, "heavily rewrites AI drafts")
	case stats.Similarity >= 0.9:
		stats.Insights = append(stats.Insights, "makes only light edits")
	}
	return stats
}

// Similarity 词级 LCS 相似度 2·LCS / (|a| + |b|)
func Similarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) > maxDiffTokens {
		a = a[:maxDiffTokens]
	}
	if len(b) > maxDiffTokens {
		b = b[:maxDiffTokens]
	}
	return 2 * float64(lcs(a, b)) / float64(len(a)+len(b))
}

func lcs(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
