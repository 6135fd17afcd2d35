// Package services – Retriever
//
// Retriever answers guest questions from the in-memory knowledge index of an
// agent and reports the confidence the escalation decision is based on.
//
// Strategy:
//  1. Pull up to 10 candidates from every collection of the agent (its
//     knowledge base, its learned responses, the shared base).
//  2. Retry once with a keyword-only query when nothing matched.
//  3. Drop candidates that miss every content term of the question.
//  4. Rank by a blend of index score and token overlap.
//  5. Answer with the best snippet, plus the runner-up when it scores
//     within 10% of it.
package services

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-support-handoff/internal/knowledge"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/search"
)

// NoAnswer is the reply used when retrieval finds nothing usable.
const NoAnswer = "I can’t answer that from the provided data."

// SharedCollection holds knowledge every agent may answer from.
const SharedCollection = "shared"

// Answer is a retrieval result. Score is the best raw index score among the
// candidates that passed the precision gates, zero when none did.
type Answer struct {
	Text  string
	Score float64
	Found bool
}

// Retriever looks answers up in search collections.
type Retriever struct {
	Collections *search.Collections
	// MinScore is the index score below which the best candidate is not
	// used as an answer. The score is still reported.
	MinScore float64
}

// collections lists the stores consulted for agentID.
func (r *Retriever) collections(agentID string) []search.Index {
	var out []search.Index
	for _, name := range []string{agentID, knowledge.CollectionName(agentID), SharedCollection} {
		if s, ok := r.Collections.Lookup(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// Answer retrieves a reply for prompt.
func (r *Retriever) Answer(ctx context.Context, agentID, prompt string) Answer {
	_, span := observability.Tracer("services/Retriever").Start(ctx, "Answer",
		trace.WithAttributes(attribute.String("agent.id", agentID)),
	)
	defer span.End()

	if r == nil || r.Collections == nil {
		return Answer{Text: NoAnswer}
	}
	indexes := r.collections(agentID)
	if len(indexes) == 0 {
		return Answer{Text: NoAnswer}
	}

	const k = 10
	results := topK(indexes, prompt, k)
	if len(results) == 0 {
		if simplified := simplifyQuery(prompt); simplified != "" && simplified != strings.ToLower(prompt) {
			results = topK(indexes, simplified, k)
		}
	}
	if len(results) == 0 {
		return Answer{Text: NoAnswer}
	}

	terms := contentTerms(prompt)
	qTokens := tokenSet(simplifyQuery(prompt))
	maxIndex := results[0].Score
	if maxIndex <= 0 {
		maxIndex = 1
	}

	type cand struct {
		text     string
		index    float64
		combined float64
	}
	cands := make([]cand, 0, len(results))
	for _, res := range results {
		text := collapseLines(res.Snippet)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		if len(terms) > 0 && !containsAny(lower, terms) {
			continue
		}
		ov := jaccard(qTokens, tokenSet(lower))
		cands = append(cands, cand{
			text:     text,
			index:    res.Score,
			combined: 0.5*(res.Score/maxIndex) + 0.5*ov,
		})
	}
	if len(cands) == 0 {
		return Answer{Text: NoAnswer}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].combined > cands[j].combined })

	best := cands[0].index
	for _, c := range cands[1:] {
		if c.index > best {
			best = c.index
		}
	}
	span.SetAttributes(attribute.Float64("retrieval.score", best))

	if cands[0].index < r.MinScore {
		return Answer{Text: NoAnswer, Score: best}
	}
	text := cands[0].text
	if len(cands) > 1 && cands[1].combined >= cands[0].combined*0.9 && cands[1].text != text {
		text += "\n" + cands[1].text
	}
	return Answer{Text: text, Score: best, Found: true}
}

// topK merges the results of several indexes, best score first.
func topK(indexes []search.Index, q string, k int) []search.Result {
	var all []search.Result
	for _, ix := range indexes {
		all = append(all, ix.TopK(q, k)...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

var (
	queryWordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)
	capitalRE   = regexp.MustCompile(`^\p{Lu}`)
)

// queryStop lists words dropped when reducing a question to keywords.
var queryStop = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"how": {}, "do": {}, "does": {}, "what": {}, "which": {}, "can": {}, "i": {}, "my": {},
	"le": {}, "la": {}, "les": {}, "un": {}, "une": {}, "des": {}, "de": {}, "du": {},
	"et": {}, "ou": {}, "est": {}, "comment": {}, "je": {}, "mon": {}, "ma": {},
}

// genericTerms never count as the topic of a question.
var genericTerms = map[string]struct{}{
	"please": {}, "thanks": {}, "hello": {}, "about": {}, "there": {},
	"would": {}, "could": {}, "should": {}, "merci": {}, "bonjour": {},
}

// simplifyQuery lowercases q and drops stop words. When nothing is left the
// full token list is returned.
func simplifyQuery(q string) string {
	toks := queryWordRE.FindAllString(strings.ToLower(q), -1)
	keep := make([]string, 0, len(toks))
	for _, t := range toks {
		if _, stop := queryStop[t]; !stop {
			keep = append(keep, t)
		}
	}
	if len(keep) == 0 {
		return strings.Join(toks, " ")
	}
	return strings.Join(keep, " ")
}

// contentTerms are the lowercase words of at least five letters that are
// neither stop words, generic words nor capitalized qualifiers.
func contentTerms(prompt string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range queryWordRE.FindAllString(prompt, -1) {
		if capitalRE.MatchString(raw) {
			continue
		}
		w := strings.ToLower(raw)
		if len([]rune(w)) < 5 {
			continue
		}
		if _, stop := queryStop[w]; stop {
			continue
		}
		if _, g := genericTerms[w]; g {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range queryWordRE.FindAllString(strings.ToLower(s), -1) {
		out[t] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// collapseLines trims every line, squeezes inner whitespace and drops blank
// lines.
func collapseLines(s string) string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, ln := range raw {
		if f := strings.Fields(ln); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}
