// Package resultbuilder implements core.ResultBuilder: a HAR-adjacent
// assembler that renders a batch's traces into a JSON document, one entry
// per trace, including redirect chains and captured errors.
package resultbuilder

import (
	"context"

	"crawlcore/internal/core"
)

// Entry is one trace rendered for external consumption, loosely modeled
// on a HAR "entry": request/response summary plus stage timings.
type Entry struct {
	ID        string            `json:"id" yaml:"id"`
	URL       string            `json:"url" yaml:"url"`
	IP        string            `json:"ip,omitempty" yaml:"ip,omitempty"`
	Request   map[string]string `json:"request,omitempty" yaml:"request,omitempty"`
	Status    int               `json:"status,omitempty" yaml:"status,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Size      int64             `json:"size,omitempty" yaml:"size,omitempty"`
	Timings   map[string]StageTiming `json:"timings,omitempty" yaml:"timings,omitempty"`
	Cached    bool              `json:"servedFromCache,omitempty" yaml:"servedFromCache,omitempty"`
	Redirect  string            `json:"redirectLocation,omitempty" yaml:"redirectLocation,omitempty"`
	Errors    []string          `json:"errors,omitempty" yaml:"errors,omitempty"`
	Processed map[string]any    `json:"processed,omitempty" yaml:"processed,omitempty"`
}

// StageTiming is one pipeline stage's duration in the rendered output.
type StageTiming struct {
	DurationMS int64 `json:"durationMs" yaml:"durationMs"`
}

// URLSequence is a crawled input URL's full result: the initial entry
// plus any redirect hops it produced.
type URLSequence struct {
	Input string  `json:"input" yaml:"input"`
	Chain []Entry `json:"chain" yaml:"chain"`
}

// Document is the top-level rendered batch.
type Document struct {
	Results []URLSequence `json:"results" yaml:"results"`
}

// Builder assembles a core.BatchResult into a Document. It satisfies
// core.ResultBuilder.
type Builder struct{}

// New constructs the default result builder.
func New() *Builder {
	return &Builder{}
}

// Build renders batch into a Document. It never fails: a trace with
// errors renders as an entry carrying its error strings rather than
// aborting the whole document, per the spec's "result builder failure on
// one entry does not prevent producing others" guarantee applied inward.
func (b *Builder) Build(ctx context.Context, batch *core.BatchResult) (any, error) {
	doc := Document{Results: make([]URLSequence, 0, len(batch.Results))}
	for _, r := range batch.Results {
		seq := URLSequence{Input: r.Input, Chain: make([]Entry, 0, len(r.Sequence))}
		for _, t := range r.Sequence {
			seq.Chain = append(seq.Chain, renderEntry(t))
		}
		doc.Results = append(doc.Results, seq)
	}
	return doc, nil
}

func renderEntry(t *core.Trace) Entry {
	e := Entry{
		ID:      t.ID,
		Request: t.Request,
		Cached:  t.ServedFromCache,
	}
	if t.URL != nil {
		e.URL = t.URL.String()
	}
	e.IP = t.IP
	if t.RedirectLocation != nil {
		e.Redirect = t.RedirectLocation.String()
	}
	if t.Response != nil {
		e.Status = t.Response.Status
		e.Size = t.Response.LogicalSize
		if len(t.Response.Headers) > 0 {
			e.Headers = map[string][]string(t.Response.Headers)
		}
		e.Processed = t.Response.Processed
	}
	for name, w := range t.Timings() {
		if e.Timings == nil {
			e.Timings = make(map[string]StageTiming)
		}
		if w.End.IsZero() {
			e.Timings[name] = StageTiming{}
			continue
		}
		e.Timings[name] = StageTiming{DurationMS: w.End.Sub(w.Start).Milliseconds()}
	}
	for _, err := range t.Errors {
		e.Errors = append(e.Errors, err.Error())
	}
	return e
}
