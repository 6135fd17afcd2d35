package mailbridge

import (
	"regexp"
	"strings"
)

// Reply extraction is a heuristic tuned for English and French clients. It
// keeps the text above the first quote marker, drops quoted lines and
// signatures, and collapses blank runs. It is known to be imprecise on
// heavily customized clients; the full body is kept in the raw message.

// ws also matches the no-break spaces French clients put before a colon.
const ws = `[\s\x{00A0}\x{202F}]`

var (
	// Single-line quote headers.
	quoteHeaderRE = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^on\s.+\swrote\s*:\s*$`),
		regexp.MustCompile(`(?i)^le` + ws + `.+` + ws + `a` + ws + `+[ée]crit` + ws + `*:` + ws + `*$`),
		regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`),
		regexp.MustCompile(`(?i)^-{2,}\s*message d'origine\s*-{2,}$`),
		regexp.MustCompile(`(?i)^-{2,}\s*forwarded message\s*-{2,}$`),
		regexp.MustCompile(`(?i)^-{2,}\s*message transf[ée]r[ée]\s*-{2,}$`),
	}
	// Wrapped quote headers: the "wrote:" part lands on the next line.
	wrappedStartRE = regexp.MustCompile(`(?i)^(on|le)\s.+`)
	wrappedEndRE   = regexp.MustCompile(`(?i)^.*(wrote|a` + ws + `+[ée]crit)` + ws + `*:` + ws + `*$`)

	// Outlook style header blocks: "From:" followed by "Sent:" or "To:".
	fromLineRE  = regexp.MustCompile(`(?i)^\*?(from|de)` + ws + `*:\s*\S`)
	blockLineRE = regexp.MustCompile(`(?i)^\*?(sent|date|to|envoy[ée]|[àa]|subject|objet)` + ws + `*:`)

	separatorRE = regexp.MustCompile(`^\s*[-_=]{20,}\s*$`)

	mobileRE = regexp.MustCompile(`(?i)^(sent from my \w+|sent from mail for windows|get outlook for (ios|android)|envoy[ée] de mon \w+|envoy[ée] depuis .+|t[ée]l[ée]charger outlook pour (ios|android))`)

	signOffRE = regexp.MustCompile(`(?i)^(thanks|thank you|many thanks|regards|best regards|kind regards|best|cheers|sincerely|merci|merci beaucoup|cordialement|bien cordialement|bien [àa] vous|salutations|bonne journ[ée]e)\s*[,.!]?$`)
)

// ExtractReply returns the newly written part of an email body, or "" when
// nothing new remains.
func ExtractReply(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	lines := strings.Split(body, "\n")

	var kept []string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		trimmed := strings.TrimSpace(line)

		if isQuoteHeader(trimmed) || separatorRE.MatchString(trimmed) {
			break
		}
		if i+1 < len(lines) && wrappedStartRE.MatchString(trimmed) && wrappedEndRE.MatchString(strings.TrimSpace(lines[i+1])) {
			break
		}
		if fromLineRE.MatchString(trimmed) && headerBlockFollows(lines[i+1:]) {
			break
		}
		if line == "-- " || trimmed == "--" {
			break
		}
		if mobileRE.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}

	kept = dropSignOff(kept)
	return collapseBlankLines(kept)
}

func isQuoteHeader(line string) bool {
	for _, re := range quoteHeaderRE {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func headerBlockFollows(rest []string) bool {
	for i := 0; i < len(rest) && i < 3; i++ {
		if blockLineRE.MatchString(strings.TrimSpace(rest[i])) {
			return true
		}
	}
	return false
}

// dropSignOff cuts a closing salutation and the short signature under it,
// but never the only content of the message.
func dropSignOff(lines []string) []string {
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines)-i > 5 {
			break
		}
		if !signOffRE.MatchString(strings.TrimSpace(lines[i])) {
			continue
		}
		if strings.TrimSpace(strings.Join(lines[:i], "")) == "" {
			return lines
		}
		return lines[:i]
	}
	return lines
}

func collapseBlankLines(lines []string) string {
	var b strings.Builder
	blank := 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = 0
		b.WriteString(l)
	}
	return strings.TrimSpace(b.String())
}
