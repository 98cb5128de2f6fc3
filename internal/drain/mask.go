package drain

import (
	"fmt"
	"regexp"
)

// Mask rewrites every match of Pattern into a named placeholder.
type Mask struct {
	Name    string
	Pattern *regexp.Regexp
}

// Placeholder is the token text that replaces a match.
func (m Mask) Placeholder() string {
	return "<" + m.Name + ">"
}

// boundary wraps a mask body so it only matches whole alphanumeric runs.
// The captured edges are written back around the placeholder.
const boundaryFmt = `(?P<S>^|[^A-Za-z\d])(?:%s)(?P<E>[^A-Za-z\d]|$)`

// NewMask compiles a bounded mask. The body must not use the group names S or E.
func NewMask(name, body string) (Mask, error) {
	re, err := regexp.Compile(fmt.Sprintf(boundaryFmt, body))
	if err != nil {
		return Mask{}, fmt.Errorf("mask %s: %w", name, err)
	}
	return Mask{Name: name, Pattern: re}, nil
}

// NewRawMask compiles a mask that replaces the whole match with no
// boundary handling.
func NewRawMask(name, pattern string) (Mask, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Mask{}, fmt.Errorf("mask %s: %w", name, err)
	}
	return Mask{Name: name, Pattern: re}, nil
}

func mustMask(name, body string) Mask {
	m, err := NewMask(name, body)
	if err != nil {
		panic(err)
	}
	return m
}

// BuiltinMasks are applied in order; earlier masks win on overlapping text.
var BuiltinMasks = []Mask{
	mustMask("ID", `([A-Za-z\d]{2,}:){3,}[A-Za-z\d]{2,}`),
	mustMask("IP", `\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d*)?`),
	mustMask("SEQ", `([A-Fa-f\d]{4,}\s){3,}[A-Fa-f\d]{4,}`),
	mustMask("HEX", `0x[A-Fa-f\d]+`),
	mustMask("HEX", `[A-Fa-f\d]{4,}`),
	mustMask("SIZE", `[KMGT]?i?B`),
	mustMask("TIME", `(\d\d:)+\d\d`),
	mustMask("NUM", `\d{1,3}(,\d\d\d)*`),
	mustMask("NUM", `[-+]?\d+`),
}

// maxMaskPasses bounds re-application for adjacent matches that share a
// boundary character.
const maxMaskPasses = 3

// ApplyMasks runs masks over s in order.
func ApplyMasks(masks []Mask, s string) string {
	for _, m := range masks {
		repl := m.Placeholder()
		bounded := m.Pattern.SubexpIndex("S") >= 0 && m.Pattern.SubexpIndex("E") >= 0
		if bounded {
			repl = "${S}" + repl + "${E}"
		}
		for i := 0; i < maxMaskPasses; i++ {
			next := m.Pattern.ReplaceAllString(s, repl)
			if next == s {
				break
			}
			s = next
			if !bounded {
				break
			}
		}
	}
	return s
}
