package telephony

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// TwiML 以追加的方式构造 TwiML 文档。
type TwiML struct {
	b strings.Builder
}

// Say 追加一段语音播报。
func (t *TwiML) Say(text string) *TwiML {
	t.b.WriteString(`<Say voice="alice">`)
	xml.EscapeText(&t.b, []byte(text))
	t.b.WriteString(`</Say>`)
	return t
}

// Pause 追加停顿。
func (t *TwiML) Pause(seconds int) *TwiML {
	t.b.WriteString(`<Pause length="` + strconv.Itoa(seconds) + `"/>`)
	return t
}

// Record 追加录音指令，transcribeCallback 非空时开启转写。
func (t *TwiML) Record(maxLength int, transcribeCallback string) *TwiML {
	t.b.WriteString(`<Record maxLength="` + strconv.Itoa(maxLength) + `" playBeep="true"`)
	if transcribeCallback != "" {
		t.b.WriteString(` transcribe="true" transcribeCallback="`)
		xml.EscapeText(&t.b, []byte(transcribeCallback))
		t.b.WriteString(`"`)
	}
	t.b.WriteString(`/>`)
	return t
}

// Hangup 追加挂断。
func (t *TwiML) Hangup() *TwiML {
	t.b.WriteString(`<Hangup/>`)
	return t
}

// String 返回完整的 TwiML 文档。
func (t *TwiML) String() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response>` + t.b.String() + `</Response>`
}

// Inline 返回不带 XML 声明的文档，用于 Twilio Calls API 的 Twiml 参数。
func (t *TwiML) Inline() string {
	return `<Response>` + t.b.String() + `</Response>`
}
