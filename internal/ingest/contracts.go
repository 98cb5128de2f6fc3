package ingest

import "github.com/tinytelemetry/logtt/internal/model"

// RecordSink receives processed rows in sequence order together with the
// latest state of the templates each row changed.
type RecordSink interface {
	Add(row model.RecordRow, changed ...model.Template)
}

// TemplateExtractor clusters messages into templates one record at a time.
type TemplateExtractor interface {
	Add(seq uint64, message string) (model.Assignment, error)
	TakeChanged() []model.Template
}
