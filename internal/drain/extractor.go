// Package drain clusters log messages into templates online with a fixed
// depth prefix tree, following the Drain algorithm.
package drain

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/tinytelemetry/logtt/internal/model"
)

// Config tunes the prefix tree and the similarity rule.
type Config struct {
	// Depth of the leaf layer, counting the root and the length layer. Minimum 3.
	Depth int
	// SimThreshold is the minimum share of literal positions a message must
	// match for it to join an existing template. Nil selects the default;
	// zero merges every message into the best candidate of its leaf.
	SimThreshold *float64
	// MaxChildren caps the fan-out of a prefix node before tokens spill into <*>.
	MaxChildren int
	// Delimiters are split on in addition to whitespace.
	Delimiters []string
	// Masks are applied to each message before tokenization.
	Masks []Mask
	// ParametrizeNumeric routes tokens containing digits through the <*> branch.
	ParametrizeNumeric bool
}

func (c Config) withDefaults() Config {
	if c.Depth == 0 {
		c.Depth = model.DefaultTreeDepth
	}
	if c.SimThreshold == nil {
		c.SimThreshold = Threshold(model.DefaultSimilarityThreshold)
	}
	if c.MaxChildren == 0 {
		c.MaxChildren = model.DefaultMaxChildren
	}
	return c
}

// Threshold returns a similarity threshold for Config.SimThreshold.
func Threshold(v float64) *float64 { return &v }

type node struct {
	children map[string]*node
	clusters []int64
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

type cluster struct {
	id        int64
	tokens    []string
	firstSeen uint64
	count     int64
}

func (c *cluster) snapshot() model.Template {
	return model.Template{
		ID:         c.id,
		Tokens:     append([]string(nil), c.tokens...),
		FirstSeen:  c.firstSeen,
		MatchCount: c.count,
	}
}

// Extractor is the incremental template extractor for one extraction run.
// Template ids start at 1 and follow creation order. Not safe for
// concurrent use; a run feeds it from a single goroutine.
type Extractor struct {
	conf     Config
	simTh    float64
	prefixes int // token positions used for routing below the length layer

	byLength map[int]*node
	clusters []*cluster
	patterns map[string]int64
	changed  map[int64]struct{}

	lastSeq uint64
	started bool
}

// New validates conf and returns an empty extractor.
func New(conf Config) (*Extractor, error) {
	conf = conf.withDefaults()
	if conf.Depth < 3 {
		return nil, fmt.Errorf("drain: depth must be at least 3, got %d", conf.Depth)
	}
	if th := *conf.SimThreshold; th < 0 || th > 1 {
		return nil, fmt.Errorf("drain: similarity threshold %v outside [0,1]", th)
	}
	if conf.MaxChildren < 2 {
		return nil, fmt.Errorf("drain: max children must be at least 2, got %d", conf.MaxChildren)
	}
	return &Extractor{
		conf:     conf,
		simTh:    *conf.SimThreshold,
		prefixes: conf.Depth - 2,
		byLength: make(map[int]*node),
		patterns: make(map[string]int64),
		changed:  make(map[int64]struct{}),
	}, nil
}

// Add clusters one message and returns its assignment. Sequence numbers
// must be strictly increasing across calls.
func (e *Extractor) Add(seq uint64, message string) (model.Assignment, error) {
	if e.started && seq <= e.lastSeq {
		return model.Assignment{}, fmt.Errorf("%w: seq %d after %d", model.ErrOutOfOrder, seq, e.lastSeq)
	}
	e.started = true
	e.lastSeq = seq

	tokens := e.Tokenize(message)
	c := e.search(tokens)
	switch {
	case c == nil:
		if id, ok := e.patterns[joinTokens(tokens)]; ok {
			c = e.clusters[id-1]
			break
		}
		c = &cluster{
			id:        int64(len(e.clusters) + 1),
			tokens:    tokens,
			firstSeen: seq,
		}
		e.clusters = append(e.clusters, c)
		e.patterns[joinTokens(tokens)] = c.id
		e.insert(c)
	default:
		merged, ok := mergeTokens(c.tokens, tokens)
		if !ok {
			break
		}
		// Two templates are never identical: a record whose merge would
		// duplicate another template joins that template instead.
		key := joinTokens(merged)
		if id, dup := e.patterns[key]; dup {
			c = e.clusters[id-1]
			break
		}
		delete(e.patterns, joinTokens(c.tokens))
		e.patterns[key] = c.id
		c.tokens = merged
	}
	c.count++
	e.changed[c.id] = struct{}{}

	return model.Assignment{Seq: seq, TemplateID: c.id}, nil
}

// Tokenize masks the message and splits it on whitespace and the configured
// delimiters.
func (e *Extractor) Tokenize(message string) []string {
	message = ApplyMasks(e.conf.Masks, strings.TrimSpace(message))
	for _, d := range e.conf.Delimiters {
		if d != "" {
			message = strings.ReplaceAll(message, d, " ")
		}
	}
	return strings.Fields(message)
}

// Templates returns every template ordered by id.
func (e *Extractor) Templates() []model.Template {
	out := make([]model.Template, len(e.clusters))
	for i, c := range e.clusters {
		out[i] = c.snapshot()
	}
	return out
}

// Template returns the current state of one template.
func (e *Extractor) Template(id int64) (model.Template, bool) {
	if id < 1 || id > int64(len(e.clusters)) {
		return model.Template{}, false
	}
	return e.clusters[id-1].snapshot(), true
}

// TakeChanged returns the templates created or updated since the previous
// call, ordered by id, and resets the change set.
func (e *Extractor) TakeChanged() []model.Template {
	if len(e.changed) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(e.changed))
	for id := range e.changed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]model.Template, len(ids))
	for i, id := range ids {
		out[i] = e.clusters[id-1].snapshot()
	}
	e.changed = make(map[int64]struct{})
	return out
}

// Len reports the number of templates.
func (e *Extractor) Len() int {
	return len(e.clusters)
}

func (e *Extractor) search(tokens []string) *cluster {
	parent, ok := e.byLength[len(tokens)]
	if !ok {
		return nil
	}
	for depth, tok := range tokens {
		if depth >= e.prefixes-1 {
			break
		}
		if child, ok := parent.children[tok]; ok {
			parent = child
		} else if child, ok := parent.children[model.Wildcard]; ok {
			parent = child
		} else {
			return nil
		}
	}
	return e.fastMatch(parent.clusters, tokens)
}

// fastMatch picks the candidate with the most literal matches. Ties go to
// the template with more placeholders, then to the older template.
func (e *Extractor) fastMatch(ids []int64, tokens []string) *cluster {
	var (
		best       *cluster
		bestSim    = -1
		bestParams = -1
	)
	for _, id := range ids {
		c := e.clusters[id-1]
		sim, params := similarity(c.tokens, tokens)
		if sim > bestSim || (sim == bestSim && params > bestParams) {
			best, bestSim, bestParams = c, sim, params
		}
	}
	if best == nil {
		return nil
	}
	if len(tokens) == 0 {
		return best
	}
	if float64(bestSim)/float64(len(tokens)) >= e.simTh {
		return best
	}
	return nil
}

func (e *Extractor) insert(c *cluster) {
	n := len(c.tokens)
	parent, ok := e.byLength[n]
	if !ok {
		parent = newNode()
		e.byLength[n] = parent
	}

	for depth, tok := range c.tokens {
		if depth >= e.prefixes-1 {
			break
		}
		parent = e.child(parent, tok)
	}
	parent.clusters = append(parent.clusters, c.id)
}

// child descends one prefix layer for tok, creating the branch when the
// node still has room and spilling into <*> otherwise.
func (e *Extractor) child(parent *node, tok string) *node {
	if next, ok := parent.children[tok]; ok {
		return next
	}

	if e.conf.ParametrizeNumeric && hasDigit(tok) {
		return parent.wildcard()
	}

	if _, ok := parent.children[model.Wildcard]; ok {
		if len(parent.children) < e.conf.MaxChildren {
			next := newNode()
			parent.children[tok] = next
			return next
		}
		return parent.children[model.Wildcard]
	}

	if len(parent.children)+1 < e.conf.MaxChildren {
		next := newNode()
		parent.children[tok] = next
		return next
	}
	return parent.wildcard()
}

func (n *node) wildcard() *node {
	next, ok := n.children[model.Wildcard]
	if !ok {
		next = newNode()
		n.children[model.Wildcard] = next
	}
	return next
}

// similarity counts literal template positions equal to the message token
// and the number of placeholder positions.
func similarity(template, tokens []string) (literal, params int) {
	for i, t := range template {
		if model.IsVariableToken(t) {
			params++
			continue
		}
		if t == tokens[i] {
			literal++
		}
	}
	return literal, params
}

// mergeTokens generalizes template against tokens. Placeholders never turn
// back into literals. Differing tokens sharing a "key=" prefix become
// "key=<*>". Reports whether anything changed.
func mergeTokens(template, tokens []string) ([]string, bool) {
	var out []string
	for i, t := range template {
		next := generalize(t, tokens[i])
		if next == t {
			continue
		}
		if out == nil {
			out = append([]string(nil), template...)
		}
		out[i] = next
	}
	if out == nil {
		return template, false
	}
	return out, true
}

func generalize(t, tok string) string {
	if t == tok || t == model.Wildcard {
		return t
	}
	if model.IsVariableToken(t) {
		key := strings.TrimSuffix(t, model.Wildcard)
		if strings.HasPrefix(tok, key) {
			return t
		}
		return model.Wildcard
	}
	if key, ok := keyPrefix(t); ok {
		if other, ok := keyPrefix(tok); ok && other == key {
			return key + model.Wildcard
		}
	}
	return model.Wildcard
}

// keyPrefix returns "key=" for tokens shaped like key=value.
func keyPrefix(tok string) (string, bool) {
	i := strings.IndexByte(tok, '=')
	if i <= 0 {
		return "", false
	}
	return tok[:i+1], true
}

func joinTokens(tokens []string) string {
	return strings.Join(tokens, "\x00")
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
