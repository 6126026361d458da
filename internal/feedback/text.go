package feedback

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// "On Mon, Mar 2, 2026 at 9:00 AM Alice <a@b.c> wrote:"
	quoteHeader = regexp.MustCompile(`(?i)^on .+wrote:\s*$`)
	bulletLine  = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s+`)
)

var greetings = []string{"good morning", "good afternoon", "hello", "dear", "hey", "hi"}

var signOffs = []string{
	"best regards", "kind regards", "warm regards", "many thanks", "thank you",
	"regards", "sincerely", "cheers", "thanks", "best",
}

// ownText 去掉引用的历史内容，只保留本人写的部分
func ownText(body string) string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if quoteHeader.MatchString(trimmed) || strings.HasPrefix(trimmed, "-----Original Message") {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t\r"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// greetingOf 返回正文开头的问候语（规范化的小写形式），没有时返回空串
func greetingOf(text string) string {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return ""
	}
	first := strings.ToLower(lines[0])
	for _, g := range greetings {
		if first == g || strings.HasPrefix(first, g+" ") || strings.HasPrefix(first, g+",") || strings.HasPrefix(first, g+"!") {
			return g
		}
	}
	return ""
}

// signOffOf 在最后三行中查找结束语
func signOffOf(text string) string {
	lines := nonEmptyLines(text)
	start := max(len(lines)-3, 0)
	for i := len(lines) - 1; i >= start; i-- {
		l := strings.ToLower(strings.TrimRight(lines[i], ",.! "))
		for _, s := range signOffs {
			if l == s || (strings.HasPrefix(l, s+" ") && len(l) <= len(s)+12) {
				return s
			}
		}
	}
	return ""
}

func hasBullets(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if bulletLine.MatchString(line) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
