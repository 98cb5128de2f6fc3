package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/extract"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/model"
	"github.com/tinytelemetry/logtt/internal/registry"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 10_000

	eventKeepAlive = 15 * time.Second
)

func (s *Server) handleHealth(c *gin.Context) {
	logs := s.deps.Registry.List(registry.ListOptions{})
	extracting := 0
	for _, e := range logs {
		if e.Status == model.StatusExtracting {
			extracting++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"logs":       len(logs),
		"extracting": extracting,
	})
}

func logID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid log id")
		return 0, false
	}
	return id, true
}

// --- registry ---

type registerRequest struct {
	Name   string            `json:"name" binding:"required"`
	Source string            `json:"source" binding:"required"`
	Format *model.FormatSpec `json:"format"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		badRequest(c, "invalid JSON body or missing name/source")
		return
	}
	src, err := model.ParseSourceURI(req.Source)
	if err != nil {
		s.fail(c, err)
		return
	}
	format := defaultFormat(src)
	if req.Format != nil {
		format = *req.Format
	}
	e, err := s.deps.Registry.Register(req.Name, src, format)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// defaultFormat is Syslog for network sources and Plain otherwise.
func defaultFormat(src model.SourceDescriptor) model.FormatSpec {
	if src.Bounded() {
		return model.NamedFormat(logformat.FormatPlain)
	}
	return model.NamedFormat(logformat.FormatSyslog)
}

func (s *Server) handleListLogs(c *gin.Context) {
	opts := registry.ListOptions{
		NameContains: c.Query("name"),
		Sort:         registry.SortKey(c.DefaultQuery("sort", string(registry.SortByID))),
		Descending:   c.Query("order") == "desc",
	}
	switch opts.Sort {
	case registry.SortByID, registry.SortByName, registry.SortByCreated:
	default:
		badRequest(c, fmt.Sprintf("unknown sort %q", opts.Sort))
		return
	}
	logs := s.deps.Registry.List(opts)
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (s *Server) handleGetLog(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	e, err := s.deps.Registry.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleRemove(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	if err := s.deps.Registry.Remove(id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- job control ---

type startRequest struct {
	Method string            `json:"method"`
	Format *model.FormatSpec `json:"format"`
}

func (s *Server) handleStart(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	opts := extract.StartOptions{Method: req.Method}
	if req.Format != nil {
		opts.Format = *req.Format
	}
	run, err := s.deps.Jobs.Start(id, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": run.ID,
		"log_id": run.LogID,
		"method": run.Method,
		"format": run.Format,
		"status": model.StatusExtracting,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Cancel(id); err != nil {
		s.fail(c, err)
		return
	}
	s.respondEntity(c, id)
}

func (s *Server) handleComplete(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Complete(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"log_id": id})
}

func (s *Server) respondEntity(c *gin.Context, id int64) {
	e, err := s.deps.Registry.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// --- results ---

// parseFilters reads "eq.<column>=value" (repeatable) and
// "contains.<column>=text" query parameters.
func parseFilters(q url.Values) model.Filters {
	specs := make(map[string]*model.FilterSpec)
	var order []string
	spec := func(col string) *model.FilterSpec {
		if f, ok := specs[col]; ok {
			return f
		}
		f := &model.FilterSpec{Column: col}
		specs[col] = f
		order = append(order, col)
		return f
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch {
		case strings.HasPrefix(k, "eq."):
			f := spec(strings.TrimPrefix(k, "eq."))
			f.Values = append(f.Values, q[k]...)
		case strings.HasPrefix(k, "contains."):
			f := spec(strings.TrimPrefix(k, "contains."))
			f.Contains = q.Get(k)
		}
	}

	filters := model.Filters{}
	for _, col := range order {
		filters = filters.With(*specs[col])
	}
	return filters
}

func parsePage(c *gin.Context) (model.Page, bool) {
	page := model.Page{Limit: defaultPageLimit}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid offset")
			return model.Page{}, false
		}
		page.Offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return model.Page{}, false
		}
		page.Limit = min(n, maxPageLimit)
	}
	return page, true
}

func (s *Server) handleRecords(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	page, ok := parsePage(c)
	if !ok {
		return
	}
	if _, err := s.deps.Registry.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.deps.Results.QueryRecords(id, parseFilters(c.Request.URL.Query()), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTemplates(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	page, ok := parsePage(c)
	if !ok {
		return
	}
	if _, err := s.deps.Registry.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	sortBy := model.TemplateSort(c.DefaultQuery("sort", string(model.SortByFirstSeen)))
	res, err := s.deps.Results.QueryTemplates(id, parseFilters(c.Request.URL.Query()), sortBy, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCountTemplates(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	n, err := s.deps.Results.CountTemplates(id, parseFilters(c.Request.URL.Query()))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// handleRecordTemplate returns a record's template together with the
// values the record carries under the template's placeholders.
func (s *Server) handleRecordTemplate(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		badRequest(c, "invalid sequence number")
		return
	}
	entity, err := s.deps.Registry.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	tpl, err := s.deps.Results.TemplateForRecord(id, seq)
	if err != nil {
		s.fail(c, err)
		return
	}

	var params []string
	rec, err := s.deps.Results.QueryRecords(id,
		model.Filters{{Column: "seq", Values: []string{strconv.FormatUint(seq, 10)}}}, model.Page{Limit: 1})
	if err == nil && len(rec.Rows) == 1 {
		var delims []string
		if _, hints, err := s.deps.Formats.Resolve(entity.Format); err == nil {
			delims = hints.Delimiters
		}
		params = drain.Parameters(tpl.Tokens, rec.Rows[0].Message, delims)
	}
	c.JSON(http.StatusOK, gin.H{
		"template":   tpl,
		"pattern":    tpl.Pattern(),
		"parameters": params,
	})
}

func (s *Server) handleValues(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	values, err := s.deps.Results.DistinctValues(id, c.Param("column"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"column": c.Param("column"), "values": values})
}

func (s *Server) handleFields(c *gin.Context) {
	id, ok := logID(c)
	if !ok {
		return
	}
	names, err := s.deps.Results.FieldNames(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"fields": names})
}

// --- formats ---

func (s *Server) handleListFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"formats":    s.deps.Formats.Definitions(),
		"algorithms": extract.Algorithms(),
	})
}

func (s *Server) handleSaveFormat(c *gin.Context) {
	var def logformat.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if err := s.deps.Formats.SaveUserFormat(def); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": strings.TrimSpace(def.Name)})
}

// --- notifications ---

// handleEvents streams run notifications as server-sent events. The
// optional "log" query parameter restricts the stream to one log.
func (s *Server) handleEvents(c *gin.Context) {
	var only int64
	if v := c.Query("log"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid log id")
			return
		}
		only = n
	}

	events, unsubscribe := s.deps.Jobs.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case n, ok := <-events:
			if !ok {
				return
			}
			if only != 0 && n.LogID != only {
				continue
			}
			c.SSEvent(string(n.Status), n)
			c.Writer.Flush()
		}
	}
}
