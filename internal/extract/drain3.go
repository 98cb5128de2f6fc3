package extract

import (
	"fmt"
	"sort"
	"strings"

	drain3 "github.com/jaeyo/go-drain3/pkg/drain3"

	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/model"
)

// drain3MaxClusters sizes the LRU of go-drain3 so that no cluster of a run
// is ever evicted; an evicted cluster would come back under a new id.
const drain3MaxClusters = 1 << 30

// drain3Extractor runs the go-drain3 miner behind the TemplateExtractor
// contract. Masking and delimiter splitting happen here so both algorithms
// see the same tokens. It does not merge key=value tokens by key and may
// hold two clusters with the same template.
type drain3Extractor struct {
	miner      *drain3.Drain
	masks      []drain.Mask
	delimiters []string

	firstSeen map[int64]uint64
	clusters  map[int64]*drain3.LogCluster
	changed   map[int64]struct{}

	lastSeq uint64
	started bool
}

func newDrain3(conf drain.Config) (*drain3Extractor, error) {
	depth, children := conf.Depth, conf.MaxChildren
	if depth == 0 {
		depth = model.DefaultTreeDepth
	}
	if children == 0 {
		children = model.DefaultMaxChildren
	}
	th := model.DefaultSimilarityThreshold
	if conf.SimThreshold != nil {
		th = *conf.SimThreshold
	}
	if th < 0 || th > 1 {
		return nil, fmt.Errorf("drain3: similarity threshold %v outside [0,1]", th)
	}
	if children < 2 {
		return nil, fmt.Errorf("drain3: max children must be at least 2, got %d", children)
	}

	miner, err := drain3.NewDrain(
		drain3.WithDepth(int64(depth)),
		drain3.WithSimTh(th),
		drain3.WithMaxChildren(int64(children)),
		drain3.WithMaxCluster(drain3MaxClusters),
	)
	if err != nil {
		return nil, fmt.Errorf("drain3: %w", err)
	}
	miner.ParametrizeNumericTokens = conf.ParametrizeNumeric

	return &drain3Extractor{
		miner:      miner,
		masks:      conf.Masks,
		delimiters: conf.Delimiters,
		firstSeen:  make(map[int64]uint64),
		clusters:   make(map[int64]*drain3.LogCluster),
		changed:    make(map[int64]struct{}),
	}, nil
}

// normalize masks the message and collapses delimiters and runs of
// whitespace into single spaces.
func (e *drain3Extractor) normalize(message string) string {
	message = drain.ApplyMasks(e.masks, strings.TrimSpace(message))
	for _, d := range e.delimiters {
		if d != "" {
			message = strings.ReplaceAll(message, d, " ")
		}
	}
	return strings.Join(strings.Fields(message), " ")
}

func (e *drain3Extractor) Add(seq uint64, message string) (model.Assignment, error) {
	if e.started && seq <= e.lastSeq {
		return model.Assignment{}, fmt.Errorf("%w: seq %d after %d", model.ErrOutOfOrder, seq, e.lastSeq)
	}
	e.started = true
	e.lastSeq = seq

	c, update, err := e.miner.AddLogMessage(e.normalize(message))
	if err != nil {
		return model.Assignment{}, fmt.Errorf("drain3: %w", err)
	}
	if update == drain3.ClusterUpdateTypeCreated {
		e.firstSeen[c.ClusterId] = seq
		e.clusters[c.ClusterId] = c
	}
	e.changed[c.ClusterId] = struct{}{}
	return model.Assignment{Seq: seq, TemplateID: c.ClusterId}, nil
}

func (e *drain3Extractor) TakeChanged() []model.Template {
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
		out[i] = e.template(id)
	}
	e.changed = make(map[int64]struct{})
	return out
}

func (e *drain3Extractor) template(id int64) model.Template {
	c := e.clusters[id]
	return model.Template{
		ID:         id,
		Tokens:     strings.Fields(c.GetTemplate()),
		FirstSeen:  e.firstSeen[id],
		MatchCount: c.Size,
	}
}
