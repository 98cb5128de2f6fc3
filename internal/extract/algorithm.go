package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/ingest"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Algorithm builds a fresh template extractor for one run.
type Algorithm func(conf drain.Config) (ingest.TemplateExtractor, error)

// MethodDrain3 runs the go-drain3 miner instead of the built-in extractor.
const MethodDrain3 = "Drain3"

var algorithms = map[string]Algorithm{
	model.DefaultExtractMethod: func(conf drain.Config) (ingest.TemplateExtractor, error) {
		return drain.New(conf)
	},
	MethodDrain3: func(conf drain.Config) (ingest.TemplateExtractor, error) {
		return newDrain3(conf)
	},
}

// Algorithms lists the available extraction methods.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupAlgorithm resolves a method name case-insensitively. An empty name
// selects the default method.
func lookupAlgorithm(name string) (string, Algorithm, error) {
	if strings.TrimSpace(name) == "" {
		name = model.DefaultExtractMethod
	}
	if alg, ok := algorithms[name]; ok {
		return name, alg, nil
	}
	for known, alg := range algorithms {
		if strings.EqualFold(known, name) {
			return known, alg, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %q", model.ErrUnknownAlgorithm, name)
}
