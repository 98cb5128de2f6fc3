package model

// EntityStore persists log entities for the registry.
type EntityStore interface {
	InsertEntity(entity *LogEntity) error
	UpdateEntity(entity LogEntity) error
	DeleteEntity(id int64) error
	ListEntities() ([]LogEntity, error)
}

// ResultWriter is the single-writer side of the result store.
type ResultWriter interface {
	ResetResults(logID int64) error
	AppendResults(logID int64, rows []RecordRow, templates []Template) error
	DiscardResults(logID int64) error
}

// ResultReader provides read-only, concurrency-safe queries on extraction results.
type ResultReader interface {
	QueryRecords(logID int64, filters Filters, page Page) (RecordPage, error)
	QueryTemplates(logID int64, filters Filters, sort TemplateSort, page Page) (TemplatePage, error)
	CountTemplates(logID int64, filters Filters) (int64, error)
	TemplateForRecord(logID int64, seq uint64) (Template, error)
	DistinctValues(logID int64, column string, limit int) ([]ValueCount, error)
	FieldNames(logID int64) ([]string, error)
}

// ValueCount is one distinct column value and its frequency.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}
