package inbox

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"time"
)

// Channel describes the RSS channel an inbox is exported as.
type Channel struct {
	UserID   string
	SelfLink string
	Version  string
}

// Generator renders a user's inbox as an RSS 2.0 document, for feed readers.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Run(channel Channel, items []Item) (string, error) {
	if channel.UserID == "" {
		return "", fmt.Errorf("channel user is required")
	}

	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", fmt.Sprintf("Inbox of %s", channel.UserID), 4)
	g.writeElement(&buf, "link", channel.SelfLink, 4)
	g.writeElement(&buf, "description", "Notifications and messages", 4)

	if channel.SelfLink != "" {
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(channel.SelfLink)))
	}

	lastBuildDate := time.Now().In(time.Local)
	if len(items) > 0 && !items[0].CreatedAt.IsZero() {
		lastBuildDate = items[0].CreatedAt
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("inbox-sync/%s", cmp.Or(channel.Version, "dev")), 4)

	for _, item := range items {
		g.writeItem(&buf, item)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, item Item) {
	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(string(item.Kind)+":"+item.ID))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", cmp.Or(item.Headline(), "Untitled"), 6)

	if g.isURL(item.ActionURL) {
		g.writeElement(buf, "link", item.ActionURL, 6)
	}

	g.writeElement(buf, "description", cmp.Or(item.Body, "No description available"), 6)

	if !item.CreatedAt.IsZero() {
		g.writeElement(buf, "pubDate", item.CreatedAt.Format(time.RFC1123Z), 6)
	}

	if item.AuthorName != "" {
		g.writeElement(buf, "author", item.AuthorName, 6)
	}

	g.writeElement(buf, "category", string(item.Kind), 6)
	if item.PostType != "" {
		g.writeElement(buf, "category", item.PostType, 6)
	}
	if !item.Read {
		g.writeElement(buf, "category", "unread", 6)
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func (g *Generator) isURL(s string) bool {
	return (len(s) > 7 && s[:7] == "http://") || (len(s) > 8 && s[:8] == "https://")
}
