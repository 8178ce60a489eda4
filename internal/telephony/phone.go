package telephony

import (
	"regexp"
	"strings"
)

var (
	e164Exact   = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	e164InText  = regexp.MustCompile(`\+[1-9]\d{6,14}`)
	phoneFiller = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// ValidE164 判断号码是否为 E.164 格式。
func ValidE164(phone string) bool {
	return e164Exact.MatchString(strings.TrimSpace(phone))
}

// NormalizePhone 去掉常见的分隔符，若结果为合法 E.164 则返回它。
func NormalizePhone(raw string) (string, bool) {
	cleaned := phoneFiller.Replace(strings.TrimSpace(raw))
	if ValidE164(cleaned) {
		return cleaned, true
	}
	return "", false
}

// ExtractPhone 从自由文本中提取第一个 E.164 号码。
func ExtractPhone(text string) string {
	return e164InText.FindString(text)
}
