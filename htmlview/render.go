// Package htmlview renders browsable HTML pages from archived
// conversations: one page per chat plus an index page linking them. The
// renderers are pure; callers decide where the output goes.
package htmlview

import (
	"fmt"
	"html/template"
	"io"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf16"

	"github.com/mediavault/telegram-media-archiver/model"
)

// ChatPage is the template input for one conversation's page.
type ChatPage struct {
	ChatID      int64
	Title       string
	GeneratedAt string
	Messages    []MessageView
}

// MessageView is one rendered message.
type MessageView struct {
	ID         int64
	Date       string
	Sender     string
	Body       template.HTML
	MediaLabel string
	MediaLink  string
	MediaSize  string
}

// IndexPage is the template input for the archive overview.
type IndexPage struct {
	GeneratedAt string
	Chats       []ChatSummary
}

// ChatSummary is one conversation row on the index page.
type ChatSummary struct {
	ChatID   int64
	Title    string
	Count    int
	LastDate string
	PageName string
}

// FormatSize renders a byte count for display. A missing size shows as
// "0 B" rather than breaking the page.
func FormatSize(size *model.ByteSize) string {
	var n int64
	if size != nil {
		n = int64(*size)
	}
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// PageName returns the HTML file name for a conversation.
func PageName(chatID int64) string {
	if chatID < 0 {
		chatID = -chatID
	}
	return fmt.Sprintf("chat_%d.html", chatID)
}

// BuildChatPage converts archive records into a renderable page. Media
// links are made relative to pageDir so the pages stay valid when the
// whole base directory moves.
func BuildChatPage(chatID int64, title string, records []model.ArchiveRecord, pageDir string) ChatPage {
	page := ChatPage{
		ChatID:      chatID,
		Title:       title,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
	}
	for _, rec := range records {
		view := MessageView{
			ID:   rec.ID,
			Body: applyEntities(rec.Text, rec.Entities),
		}
		if rec.Date != nil {
			view.Date = *rec.Date
		}
		if rec.SenderID != 0 {
			view.Sender = fmt.Sprintf("%d", rec.SenderID)
		}
		if rec.HasMedia {
			view.MediaLabel = rec.MediaType
			view.MediaSize = FormatSize(rec.FileSize)
			if rec.DownloadedFile != "" {
				if rel, err := filepath.Rel(pageDir, rec.DownloadedFile); err == nil {
					view.MediaLink = filepath.ToSlash(rel)
				} else {
					view.MediaLink = rec.DownloadedFile
				}
			}
		}
		page.Messages = append(page.Messages, view)
	}
	return page
}

// BuildIndexPage converts manifest-style chat summaries into the overview
// page, newest activity first.
func BuildIndexPage(chats []ChatSummary) IndexPage {
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastDate != chats[j].LastDate {
			return chats[i].LastDate > chats[j].LastDate
		}
		return chats[i].ChatID < chats[j].ChatID
	})
	return IndexPage{
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		Chats:       chats,
	}
}

// RenderChat writes one conversation page.
func RenderChat(w io.Writer, page ChatPage) error {
	return chatTmpl.Execute(w, page)
}

// RenderIndex writes the overview page.
func RenderIndex(w io.Writer, page IndexPage) error {
	return indexTmpl.Execute(w, page)
}

// applyEntities renders message text as HTML, applying non-overlapping
// formatting entities. Offsets and lengths count UTF-16 code units, the
// unit the service uses.
func applyEntities(text string, entities []model.Entity) template.HTML {
	if text == "" {
		return ""
	}
	units := utf16.Encode([]rune(text))
	if len(entities) == 0 {
		return template.HTML(template.HTMLEscapeString(text))
	}

	sorted := make([]model.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var out []byte
	cursor := 0
	for _, ent := range sorted {
		start, end := int(ent.Offset), int(ent.Offset+ent.Length)
		if start < cursor || start > len(units) || end > len(units) || end <= start {
			continue
		}
		out = append(out, escapeUnits(units[cursor:start])...)
		segment := escapeUnits(units[start:end])
		out = append(out, wrapEntity(ent, segment)...)
		cursor = end
	}
	out = append(out, escapeUnits(units[cursor:])...)
	return template.HTML(out)
}

func escapeUnits(units []uint16) []byte {
	return []byte(template.HTMLEscapeString(string(utf16.Decode(units))))
}

func wrapEntity(ent model.Entity, segment []byte) []byte {
	s := string(segment)
	switch ent.Type {
	case "bold":
		return []byte("<strong>" + s + "</strong>")
	case "italic":
		return []byte("<em>" + s + "</em>")
	case "underline":
		return []byte("<u>" + s + "</u>")
	case "strikethrough":
		return []byte("<del>" + s + "</del>")
	case "code":
		return []byte("<code>" + s + "</code>")
	case "pre":
		return []byte("<pre>" + s + "</pre>")
	case "text_link":
		href := template.HTMLEscapeString(ent.URL)
		return []byte(`<a href="` + href + `">` + s + "</a>")
	case "url":
		return []byte(`<a href="` + s + `">` + s + "</a>")
	default:
		return segment
	}
}

var chatTmpl = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 840px; margin: 0 auto; padding: 1em; background: #f4f4f4; }
.msg { background: #fff; border-radius: 6px; padding: 0.6em 0.9em; margin: 0.5em 0; }
.meta { color: #888; font-size: 0.8em; }
.media { margin-top: 0.4em; font-size: 0.9em; }
pre, code { background: #eee; padding: 0 0.2em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Chat {{.ChatID}} &middot; {{len .Messages}} messages &middot; generated {{.GeneratedAt}}</p>
{{range .Messages}}<div class="msg">
<div class="meta">#{{.ID}}{{if .Date}} &middot; {{.Date}}{{end}}{{if .Sender}} &middot; from {{.Sender}}{{end}}</div>
{{if .Body}}<div class="body">{{.Body}}</div>{{end}}
{{if .MediaLabel}}<div class="media">{{if .MediaLink}}<a href="{{.MediaLink}}">{{.MediaLabel}}</a>{{else}}{{.MediaLabel}}{{end}} ({{.MediaSize}})</div>{{end}}
</div>
{{end}}</body>
</html>
`))

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Archive</title>
<style>
body { font-family: sans-serif; max-width: 840px; margin: 0 auto; padding: 1em; }
table { border-collapse: collapse; width: 100%; }
td, th { text-align: left; padding: 0.4em 0.8em; border-bottom: 1px solid #ddd; }
</style>
</head>
<body>
<h1>Archive</h1>
<p>Generated {{.GeneratedAt}}</p>
<table>
<tr><th>Conversation</th><th>Messages</th><th>Last activity</th></tr>
{{range .Chats}}<tr><td><a href="{{.PageName}}">{{.Title}}</a></td><td>{{.Count}}</td><td>{{.LastDate}}</td></tr>
{{end}}</table>
</body>
</html>
`))
