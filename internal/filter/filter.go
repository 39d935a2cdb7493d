// Package filter implements the message filter pipeline.
package filter

import (
	"telemirror/internal/model"
)

// Skip reasons reported by the built-in filters.
const (
	ReasonURL            = "url"
	ReasonMention        = "mention"
	ReasonKeyword        = "keyword"
	ReasonMissingKeyword = "missing_keyword"
	ReasonSkipAll        = "skip_all"
)

// Context carries the source details filters may render into a message.
type Context struct {
	ChannelName string
	Permalink   string
	Author      string
}

// Result is the outcome of a filter: a possibly modified message, or a skip.
type Result struct {
	Message model.Message
	Skipped bool
	Reason  string
}

// Continue passes msg to the next filter.
func Continue(msg model.Message) Result {
	return Result{Message: msg}
}

// Skip suppresses the message with the given reason.
func Skip(msg model.Message, reason string) Result {
	return Result{Message: msg, Skipped: true, Reason: reason}
}

// Filter transforms or suppresses a message.
type Filter interface {
	Apply(msg model.Message, src Context) Result
}

// Chain is an ordered list of filters.
type Chain []Filter

// Apply runs msg through chain in order and stops at the first skip.
// The caller's message is never modified.
func Apply(chain Chain, msg model.Message, src Context) Result {
	res := Continue(msg.Clone())
	for _, f := range chain {
		res = f.Apply(res.Message, src)
		if res.Skipped {
			return res
		}
	}
	return res
}

type noop struct{}

func (noop) Apply(msg model.Message, _ Context) Result {
	return Continue(msg)
}

type skipAll struct{}

func (skipAll) Apply(msg model.Message, _ Context) Result {
	return Skip(msg, ReasonSkipAll)
}
