package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"sync"
	"time"
)

//go:embed assets
var embedded embed.FS

const baseHrefPlaceholder = "<!-- BASE_HREF -->"

var uiFiles = sync.OnceValue(func() fs.FS {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		panic(fmt.Sprintf("httpapi: embedded assets: %v", err))
	}
	return sub
})

// indexPage is index.html with its base href placeholder resolved.
type indexPage struct {
	body    []byte
	modTime time.Time
}

func renderIndex(baseHref string) (indexPage, error) {
	data, err := fs.ReadFile(uiFiles(), "index.html")
	if err != nil {
		return indexPage{}, err
	}
	page := indexPage{body: applyBaseHref(data, baseHref)}
	if info, err := fs.Stat(uiFiles(), "index.html"); err == nil {
		page.modTime = info.ModTime()
	}
	return page, nil
}

func (p indexPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "index.html", p.modTime, bytes.NewReader(p.body))
}

func applyBaseHref(data []byte, baseHref string) []byte {
	var tag []byte
	if baseHref != "" {
		tag = []byte(`<base href="` + html.EscapeString(baseHref) + `" />`)
	}
	return bytes.Replace(data, []byte(baseHrefPlaceholder), tag, 1)
}
