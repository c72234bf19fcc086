package orgspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExportFormat selects how Export writes a conversation.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportText ExportFormat = "text"
)

// ParseExportFormat accepts "json", "text" or "txt".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return ExportJSON, nil
	case "text", "txt":
		return ExportText, nil
	}
	return "", errors.Errorf("unknown export format %q", s)
}

// Export writes the complete history of a conversation to w in canonical
// order. selector is resolved like Select, so a counterpart id works too.
func (e *Engine) Export(ctx context.Context, selector string, w io.Writer, format ExportFormat) (int, error) {
	res, err := e.dir.Resolve(selector)
	if err != nil {
		return 0, err
	}
	if !res.Resolved {
		return 0, errors.Errorf("no conversation with %s", res.CounterpartID)
	}

	msgs, err := e.timeline.FetchAll(ctx, res.Conversation.ID)
	if err != nil {
		return 0, err
	}

	switch format {
	case ExportText:
		err = writeTranscript(w, res.Conversation, msgs, e.session.CurrentUserID)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(msgs)
	}
	if err != nil {
		return 0, errors.Wrap(err, "write export")
	}
	return len(msgs), nil
}

func writeTranscript(w io.Writer, conv *Conversation, msgs []*Message, viewer string) error {
	title := conv.CounterpartName
	if title == "" {
		title = conv.OtherParticipant(viewer)
	}
	if title == "" {
		title = conv.ID
	}
	if _, err := fmt.Fprintf(w, "# Conversation with %s (%s)\n\n", title, conv.ID); err != nil {
		return err
	}
	for _, m := range msgs {
		who := m.SenderID
		if viewer != "" && who == viewer {
			who = "me"
		}
		line := m.Content
		switch m.AttachmentKind() {
		case AttachmentImage:
			line = strings.TrimSpace(line + " [image] " + m.AttachmentURL)
		case AttachmentFile:
			line = strings.TrimSpace(line + " [file] " + m.AttachmentURL)
		}
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.UTC().Format(time.RFC3339), who, line); err != nil {
			return err
		}
	}
	return nil
}
