package poller

import (
	"html"
	"strconv"

	"coursebot/internal/canvas"
)

// identifierLimit caps how much of a module or item name makes it into
// a notification line.
const identifierLimit = 100

type entryLabel struct {
	name   string
	url    string
	parent string // owning module name, set for items
	item   bool
}

// indexModules flattens a module list into snapshot keys plus display
// labels per key. Modules get "m:<id>" keys, their items "i:<id>".
func indexModules(mods []canvas.Module) ([]string, map[string]entryLabel) {
	var keys []string
	labels := make(map[string]entryLabel)
	for _, m := range mods {
		mk := "m:" + strconv.FormatInt(m.ID, 10)
		keys = append(keys, mk)
		labels[mk] = entryLabel{name: m.Name}
		for _, it := range m.Items {
			ik := "i:" + strconv.FormatInt(it.ID, 10)
			keys = append(keys, ik)
			labels[ik] = entryLabel{name: it.Title, url: it.HTMLURL, parent: m.Name, item: true}
		}
	}
	return keys, labels
}

// formatEntry renders one notification line in Telegram HTML.
func formatEntry(courseLabel string, lbl entryLabel) string {
	name := truncateName(lbl.name)
	if name == "" {
		name = "(unnamed)"
	}
	course := html.EscapeString(truncateName(courseLabel))

	if lbl.item {
		rendered := html.EscapeString(name)
		if lbl.url != "" {
			rendered = `<a href="` + html.EscapeString(lbl.url) + `">` + rendered + `</a>`
		}
		line := "📄 New content in <b>" + course + "</b>"
		if p := truncateName(lbl.parent); p != "" {
			line += " / " + html.EscapeString(p)
		}
		return line + ": " + rendered
	}
	return "📘 New module in <b>" + course + "</b>: " + html.EscapeString(name)
}

func truncateName(s string) string {
	r := []rune(s)
	if len(r) <= identifierLimit {
		return s
	}
	return string(r[:identifierLimit-1]) + "…"
}
