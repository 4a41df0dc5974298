package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq atomic.Uint64

// newReqID is short and unique enough to correlate log lines of one request.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(n, 36) +
		string(rune('a'+rand.IntN(26)))
}

// parseCommandWord extracts the lower-cased command word from text and
// returns the remainder. Commands start with "/" or "!". A "@bot" suffix
// is stripped; when botName is known, a suffix naming another bot makes
// the message not a command for us.
func parseCommandWord(text, botName string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || (text[0] != '/' && text[0] != '!') {
		return "", "", false
	}
	text = text[1:]
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		end = len(text)
	}
	word, rest = text[:end], strings.TrimSpace(text[end:])
	if at := strings.IndexByte(word, '@'); at >= 0 {
		target := word[at+1:]
		word = word[:at]
		if botName != "" && !strings.EqualFold(target, botName) {
			return "", "", false
		}
	}
	if word == "" {
		return "", "", false
	}
	return strings.ToLower(word), rest, true
}

// tokenizeCommandLine splits s on whitespace, honoring single and double
// quotes and backslash escapes:
//
//	a "b c" 'd' e\ f  ->  [a, b c, d, e f]
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		have  bool
	)
	flush := func() {
		if have {
			out = append(out, buf.String())
			buf.Reset()
			have = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc, have = false, true
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar, have = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
			have = true
		}
	}
	flush()
	return out
}
