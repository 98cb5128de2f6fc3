// Package ingest turns sequenced raw lines into stored rows: each line is
// parsed, clustered and handed to the result sink before the next one.
package ingest

import (
	"errors"
	"sync/atomic"

	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Processor handles parsing, template assignment and routing to storage
// for one extraction run. It is driven by a single goroutine.
type Processor struct {
	parser    logformat.Parser
	extractor TemplateExtractor
	sink      RecordSink
	log       *logging.Logger

	processed     atomic.Int64
	parseFailures atomic.Int64
	templates     atomic.Int64
}

// NewProcessor creates a processor. A nil parser treats every line as a
// bare message.
func NewProcessor(parser logformat.Parser, extractor TemplateExtractor, sink RecordSink, logger *logging.Logger) *Processor {
	return &Processor{
		parser:    parser,
		extractor: extractor,
		sink:      sink,
		log:       logger.WithComponent("ingest"),
	}
}

// ProcessResult holds the outcome of processing one line.
type ProcessResult struct {
	Row         model.RecordRow
	ParseFailed bool
	// NewTemplate is set when the line created a template.
	NewTemplate bool
}

// ProcessLine parses, clusters and stores one line. A parse failure is not
// an error: the line is kept as a message-only row and counted. The only
// error is a sequence number that does not increase.
func (p *Processor) ProcessLine(line model.RawLine) (*ProcessResult, error) {
	record, parseErr := p.parse(line)
	failed := parseErr != nil
	if failed {
		p.parseFailures.Add(1)
		p.log.Debug().Uint64("seq", line.Seq).Err(parseErr).Msg("line did not match format")
	}

	msg := record.Message()
	assignment, err := p.extractor.Add(line.Seq, msg)
	if err != nil {
		return nil, err
	}
	changed := p.extractor.TakeChanged()

	res := &ProcessResult{
		Row: model.RecordRow{
			Seq:         line.Seq,
			Message:     msg,
			Raw:         record.Raw,
			Fields:      record.Fields,
			TemplateID:  assignment.TemplateID,
			ParseFailed: failed,
		},
		ParseFailed: failed,
	}
	for _, tpl := range changed {
		if tpl.ID == assignment.TemplateID {
			res.Row.Template = tpl.Pattern()
			if tpl.MatchCount == 1 && tpl.FirstSeen == line.Seq {
				res.NewTemplate = true
				p.templates.Add(1)
			}
		}
	}

	if p.sink != nil {
		p.sink.Add(res.Row, changed...)
	}
	p.processed.Add(1)
	return res, nil
}

func (p *Processor) parse(line model.RawLine) (model.StructuredRecord, error) {
	if p.parser == nil {
		raw := string(line.Content)
		return model.StructuredRecord{
			Seq:    line.Seq,
			Fields: map[string]string{model.FieldMessage: raw},
			Raw:    raw,
		}, nil
	}
	record, err := p.parser.Parse(line)
	if err != nil && !errors.Is(err, model.ErrParseFailure) {
		// Parsers only fail with ErrParseFailure; anything else is treated
		// the same way so a single line never aborts the run.
		p.log.Warn().Uint64("seq", line.Seq).Err(err).Msg("unexpected parser error")
	}
	return record, err
}

// Processed returns the number of lines processed so far.
func (p *Processor) Processed() int64 { return p.processed.Load() }

// ParseFailures returns the number of lines that did not match the format.
func (p *Processor) ParseFailures() int64 { return p.parseFailures.Load() }

// TemplatesCreated returns the number of templates created so far.
func (p *Processor) TemplatesCreated() int64 { return p.templates.Load() }

// FailureRate returns parse failures over processed lines.
func (p *Processor) FailureRate() float64 {
	n := p.processed.Load()
	if n == 0 {
		return 0
	}
	return float64(p.parseFailures.Load()) / float64(n)
}
