package telegram

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/gotd/td/tg"
)

// span is a formatting range in UTF-16 code units, the unit Telegram uses
// for entity offsets.
type span struct {
	start, end  int
	open, close string
}

// Markdown renders a message body and its entities as markdown for glamour.
// The bool reports whether any entity was applied; plain bodies come back
// unchanged.
func Markdown(text string, entities []tg.MessageEntityClass) (string, bool) {
	if len(entities) == 0 {
		return text, false
	}
	units := utf16.Encode([]rune(text))

	spans := make([]span, 0, len(entities))
	for _, e := range entities {
		if s, ok := toSpan(units, e); ok {
			spans = append(spans, s)
		}
	}
	if len(spans) == 0 {
		return text, false
	}

	// Outer spans open first; at a shared end the innermost closes first.
	slices.SortStableFunc(spans, func(a, b span) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(b.end, a.end)
	})
	opens := make(map[int][]string)
	closes := make(map[int][]string)
	for _, s := range spans {
		opens[s.start] = append(opens[s.start], s.open)
		closes[s.end] = append([]string{s.close}, closes[s.end]...)
	}

	var b strings.Builder
	flush := func(pos int) {
		for _, m := range closes[pos] {
			b.WriteString(m)
		}
		for _, m := range opens[pos] {
			b.WriteString(m)
		}
	}
	for i := 0; i <= len(units); i++ {
		flush(i)
		if i == len(units) {
			break
		}
		u := rune(units[i])
		if utf16.IsSurrogate(u) && i+1 < len(units) {
			b.WriteRune(utf16.DecodeRune(u, rune(units[i+1])))
			i++
			// a marker pointing into the pair lands after it
			flush(i)
			continue
		}
		b.WriteRune(u)
	}
	return b.String(), true
}

func toSpan(units []uint16, entity tg.MessageEntityClass) (span, bool) {
	start := min(max(entity.GetOffset(), 0), len(units))
	end := min(start+entity.GetLength(), len(units))
	if start >= end {
		return span{}, false
	}
	wrap := func(prefix, suffix string) (span, bool) {
		return span{start: start, end: end, open: prefix, close: suffix}, true
	}
	covered := string(utf16.Decode(units[start:end]))

	switch e := entity.(type) {
	case *tg.MessageEntityBold, *tg.MessageEntityMention, *tg.MessageEntityMentionName, *tg.MessageEntityHashtag:
		return wrap("**", "**")
	case *tg.MessageEntityItalic, *tg.MessageEntityUnderline:
		return wrap("*", "*")
	case *tg.MessageEntityCode, *tg.MessageEntityBotCommand:
		return wrap("`", "`")
	case *tg.MessageEntityPre:
		return wrap("```"+e.Language+"\n", "\n```")
	case *tg.MessageEntityStrike:
		return wrap("~~", "~~")
	case *tg.MessageEntityBlockquote:
		return wrap("> ", "")
	case *tg.MessageEntitySpoiler:
		return wrap("||", "||")
	case *tg.MessageEntityTextURL:
		return wrap("[", "]("+e.URL+")")
	case *tg.MessageEntityURL:
		return wrap("[", "]("+covered+")")
	case *tg.MessageEntityEmail:
		return wrap("[", "](mailto:"+covered+")")
	default:
		return span{}, false
	}
}
