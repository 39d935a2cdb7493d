package filter

import (
	"strings"

	"telemirror/internal/model"
)

const (
	placeholderText    = "{message_text}"
	placeholderChannel = "{channel_name}"
	placeholderLink    = "{message_link}"
	placeholderAuthor  = "{author}"
)

func hasPlaceholder(format string) bool {
	for _, p := range []string{placeholderText, placeholderChannel, placeholderLink, placeholderAuthor} {
		if strings.Contains(format, p) {
			return true
		}
	}
	return false
}

type forwardFormat struct {
	format string
}

// Apply renders the template around the message text. Messages without a
// channel name or a public link are left unchanged.
func (f forwardFormat) Apply(msg model.Message, src Context) Result {
	if src.ChannelName == "" || src.Permalink == "" {
		return Continue(msg)
	}
	r := strings.NewReplacer(
		placeholderChannel, src.ChannelName,
		placeholderLink, src.Permalink,
		placeholderAuthor, src.Author,
	)

	before, after, found := strings.Cut(f.format, placeholderText)
	if !found {
		msg.Text = r.Replace(f.format)
		msg.Entities = nil
		return Continue(msg)
	}

	prefix := r.Replace(before)
	suffix := strings.ReplaceAll(r.Replace(after), placeholderText, msg.Text)
	msg.Entities = shiftEntities(msg.Entities, utf16Len(prefix))
	msg.Text = prefix + msg.Text + suffix
	return Continue(msg)
}
