package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/xk6-channel/server"
	"github.com/grafana/xk6-channel/transport"
)

// DefaultVersion is reported by browsers created without a version.
const DefaultVersion = "demo/1.0"

// BrowserImpl is the server side browser.
type BrowserImpl struct {
	version string
}

// PageImpl is the server side page. It is done once closed.
type PageImpl struct {
	mu     sync.Mutex
	url    string
	title  string
	frames []string

	closeOnce sync.Once
	done      chan struct{}
}

func newPageImpl(url string) *PageImpl {
	return &PageImpl{url: url, title: titleOf(url), done: make(chan struct{})}
}

// Done is closed when the page closes itself.
func (p *PageImpl) Done() <-chan struct{} {
	return p.done
}

// Close closes the page. Its dispatcher and frames are disposed in turn.
func (p *PageImpl) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// URL returns the current URL of the page.
func (p *PageImpl) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *PageImpl) navigate(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.title = titleOf(url)
}

// FrameImpl is the server side frame.
type FrameImpl struct {
	name string
	page *PageImpl
}

func millis(v any) time.Duration {
	switch v := v.(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

func titleOf(url string) string {
	if url == "" || url == "about:blank" {
		return ""
	}
	return "Title of " + url
}

// Handlers returns the handlers of the demo object model. version is
// reported by the browsers they create.
func Handlers(version string) *server.Handlers {
	if version == "" {
		version = DefaultVersion
	}
	h := server.NewHandlers()

	h.Handle(server.RootType, "initialize", func(_ context.Context, d *server.Dispatcher, _ map[string]any) (map[string]any, error) {
		b, err := d.Connection().CreateDispatcher(d, TypeBrowser, &BrowserImpl{version: version}, map[string]any{
			"version": version,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"browser": b}, nil
	})

	h.Handle(TypeBrowser, "newPage", func(_ context.Context, d *server.Dispatcher, params map[string]any) (map[string]any, error) {
		url, _ := params["url"].(string)
		if url == "" {
			url = "about:blank"
		}
		p, err := d.Connection().CreateDispatcher(d, TypePage, newPageImpl(url), map[string]any{
			"url": url,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"page": p}, nil
	})
	h.Handle(TypeBrowser, "collect", func(_ context.Context, _ *server.Dispatcher, params map[string]any) (map[string]any, error) {
		page, ok := params["page"].(*server.Dispatcher)
		if !ok {
			return nil, errors.New("page is required")
		}
		page.DisposeGC()
		return nil, nil
	})
	h.Handle(TypeBrowser, "close", func(_ context.Context, d *server.Dispatcher, _ map[string]any) (map[string]any, error) {
		d.Dispose("")
		return nil, nil
	})

	h.Handle(TypePage, "goto", func(_ context.Context, d *server.Dispatcher, params map[string]any) (map[string]any, error) {
		p, ok := d.Object().(*PageImpl)
		if !ok {
			return nil, fmt.Errorf("dispatcher %s doesn't wrap a page", d.GUID())
		}
		url, _ := params["url"].(string)
		p.navigate(url)
		if err := d.Emit(EventLoad, map[string]any{"url": url}); err != nil {
			return nil, err
		}
		return map[string]any{"url": url}, nil
	})
	h.Handle(TypePage, "title", server.Bind(func(_ context.Context, p *PageImpl, _ map[string]any) (map[string]any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return map[string]any{"value": p.title}, nil
	}))
	h.Handle(TypePage, "fail", func(_ context.Context, _ *server.Dispatcher, params map[string]any) (map[string]any, error) {
		msg, _ := params["message"].(string)
		return nil, errors.New(msg)
	})
	h.Handle(TypePage, "sleep", func(ctx context.Context, _ *server.Dispatcher, params map[string]any) (map[string]any, error) {
		t := time.NewTimer(millis(params["ms"]))
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
		}
	})
	h.Handle(TypePage, "echo", func(_ context.Context, _ *server.Dispatcher, params map[string]any) (map[string]any, error) {
		return params, nil
	})
	h.Handle(TypePage, "log", func(ctx context.Context, d *server.Dispatcher, params map[string]any) (map[string]any, error) {
		text, _ := params["text"].(string)
		if md := server.Metadata(ctx); md.APIName != "" {
			text = md.APIName + ": " + text
		}
		return nil, d.Emit(EventConsole, map[string]any{"text": text})
	})
	h.Handle(TypePage, "addFrame", func(_ context.Context, d *server.Dispatcher, params map[string]any) (map[string]any, error) {
		p, ok := d.Object().(*PageImpl)
		if !ok {
			return nil, fmt.Errorf("dispatcher %s doesn't wrap a page", d.GUID())
		}
		name, _ := params["name"].(string)
		f, err := d.Connection().CreateDispatcher(d, TypeFrame, &FrameImpl{name: name, page: p}, map[string]any{
			"name": name,
			"page": d,
		})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.frames = append(p.frames, name)
		p.mu.Unlock()
		return map[string]any{"frame": f}, nil
	})
	h.Handle(TypePage, "close", func(_ context.Context, d *server.Dispatcher, _ map[string]any) (map[string]any, error) {
		if p, ok := d.Object().(*PageImpl); ok {
			p.Close()
		}
		d.Dispose("")
		return nil, nil
	})

	h.Handle(TypeFrame, "content", server.Bind(func(_ context.Context, f *FrameImpl, _ map[string]any) (map[string]any, error) {
		return map[string]any{
			"html": fmt.Sprintf("<iframe name=%q src=%q></iframe>", f.name, f.page.URL()),
		}, nil
	}))

	return h
}

// NewServer returns a dispatcher connection serving the demo object model
// over t.
func NewServer(t transport.Transport, opts ...server.Option) *server.DispatcherConnection {
	return server.NewDispatcherConnection(t, Schema(), Handlers(""), opts...)
}
