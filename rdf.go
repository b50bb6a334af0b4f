package oidcproxy

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/knakk/rdf"
)

// TurtleParser 使用 knakk/rdf 解析 Turtle 文档
type TurtleParser struct{}

var _ TripleParser = TurtleParser{}

// Parse 实现 TripleParser 接口。
// baseURI 以 @base 指令的形式放在文档之前，使 <#me> 这样的相对 IRI 可以解析。
func (TurtleParser) Parse(_ context.Context, body io.Reader, baseURI string) ([]Triple, error) {
	r := body
	if baseURI != "" {
		r = io.MultiReader(strings.NewReader("@base <"+baseURI+"> .\n"), body)
	}

	decoded, err := rdf.NewTripleDecoder(r, rdf.Turtle).DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse turtle: %w", err)
	}

	triples := make([]Triple, 0, len(decoded))
	for _, t := range decoded {
		triples = append(triples, Triple{
			Subject:   t.Subj.String(),
			Predicate: t.Pred.String(),
			Object:    t.Obj.String(),
		})
	}
	return triples, nil
}
