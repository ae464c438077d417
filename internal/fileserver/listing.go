package fileserver

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Directory listing for {{.Path}}</title>
</head>
<body>
<h1>Directory listing for {{.Path}}</h1>
<hr>
<ul>
{{range .Entries}}<li><a href="{{.Href}}">{{.Name}}</a></li>
{{end}}</ul>
<hr>
</body>
</html>
`))

// listingEntry は一覧の1行
type listingEntry struct {
	Name string // 表示名 (ディレクトリは "/"、シンボリックリンクは "@" 付き)
	Href string // エスケープ済みの相対リンク
}

type listingPage struct {
	Path    string
	Entries []listingEntry
}

// serveListing はディレクトリ一覧をHTMLで返す
func (h *Handler) serveListing(c *gin.Context, urlPath, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		h.fail(c, err)
		return
	}

	page := listingPage{
		Path:    urlPath,
		Entries: make([]listingEntry, 0, len(entries)),
	}
	for _, e := range entries {
		page.Entries = append(page.Entries, h.listingEntry(dir, e))
	}
	sort.SliceStable(page.Entries, func(i, j int) bool {
		return strings.ToLower(page.Entries[i].Name) < strings.ToLower(page.Entries[j].Name)
	})

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, page); err != nil {
		h.fail(c, err)
		return
	}
	writeBody(c, http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (h *Handler) listingEntry(dir string, e fs.DirEntry) listingEntry {
	name := e.Name()
	display, href := name, url.PathEscape(name)

	isDir := e.IsDir()
	if e.Type()&fs.ModeSymlink != 0 {
		// リンク先がディレクトリならリンクにも "/" を付ける
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.IsDir() {
			isDir = true
		}
		display = name + "@"
	} else if isDir {
		display = name + "/"
	}
	if isDir {
		href += "/"
	}

	return listingEntry{Name: display, Href: href}
}
