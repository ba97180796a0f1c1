package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/xk6-channel/client"
	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/event"
	"github.com/grafana/xk6-channel/stack"
)

// PackagePath is the import path of this package. Its frames are library
// frames when capturing call sites.
const PackagePath = "github.com/grafana/xk6-channel/internal/demo"

// ClientOptions wrap the objects of the demo model into their typed
// proxies and classify this package as library code.
func ClientOptions() []client.Option {
	pkgs := append(append([]string{}, config.DefaultInternalPackages...), PackagePath)
	return []client.Option{
		client.WithClassifier(stack.NewClassifier(pkgs...)),
		client.WithFactory(TypeBrowser, func(o *client.ChannelOwner) client.Object {
			return &Browser{ChannelOwner: o}
		}),
		client.WithFactory(TypePage, newPage),
		client.WithFactory(TypeFrame, func(o *client.ChannelOwner) client.Object {
			return &Frame{ChannelOwner: o}
		}),
	}
}

// Initialize asks the server for its browser.
func Initialize(ctx context.Context, conn *client.Connection) (*Browser, error) {
	res, err := conn.Root().Send(ctx, "initialize", map[string]any{"sdkLanguage": "go"})
	if err != nil {
		return nil, err
	}
	return as[*Browser](res, "browser")
}

func as[T client.Object](res map[string]any, key string) (T, error) {
	var zero T
	switch v := res[key].(type) {
	case T:
		return v, nil
	case client.DisposedRef:
		return zero, fmt.Errorf("%s %s: %w", key, v, client.ErrTargetClosed)
	default:
		return zero, fmt.Errorf("unexpected %s %T", key, v)
	}
}

// Browser is the client proxy of a browser.
type Browser struct {
	*client.ChannelOwner
}

// Version returns the version the browser reported when created.
func (b *Browser) Version() string {
	v, _ := b.Initializer()["version"].(string)
	return v
}

// NewPage opens a page at url, or at about:blank when url is empty.
func (b *Browser) NewPage(ctx context.Context, url string) (*Page, error) {
	params := map[string]any{}
	if url != "" {
		params["url"] = url
	}
	res, err := b.Send(ctx, "newPage", params)
	if err != nil {
		return nil, err
	}
	return as[*Page](res, "page")
}

// Pages returns the open pages.
func (b *Browser) Pages() []*Page {
	var pages []*Page
	for _, c := range b.Children() {
		if p, ok := c.(*Page); ok {
			pages = append(pages, p)
		}
	}
	return pages
}

// Collect makes the server drop page as if it was garbage collected.
func (b *Browser) Collect(ctx context.Context, page *Page) error {
	_, err := b.Send(ctx, "collect", map[string]any{"page": page})
	return err
}

// Close closes the browser and all of its pages.
func (b *Browser) Close(ctx context.Context) error {
	_, err := b.Send(ctx, "close", nil)
	return err
}

// Page is the client proxy of a page.
type Page struct {
	*client.ChannelOwner

	mu  sync.RWMutex
	url string
}

func newPage(o *client.ChannelOwner) client.Object {
	p := &Page{ChannelOwner: o}
	p.url, _ = o.Initializer()["url"].(string)
	o.On(EventLoad, func(ev event.Event) {
		params, _ := ev.Data.(map[string]any)
		url, _ := params["url"].(string)
		p.mu.Lock()
		p.url = url
		p.mu.Unlock()
	})
	return p
}

// URL returns the URL of the last load event.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Goto navigates the page.
func (p *Page) Goto(ctx context.Context, url string) error {
	_, err := p.Send(ctx, "goto", map[string]any{"url": url})
	return err
}

// Title returns the page title.
func (p *Page) Title(ctx context.Context) (string, error) {
	res, err := p.Send(ctx, "title", nil)
	if err != nil {
		return "", err
	}
	title, _ := res["value"].(string)
	return title, nil
}

// Fail makes the server fail the call with message.
func (p *Page) Fail(ctx context.Context, message string) error {
	_, err := p.Send(ctx, "fail", map[string]any{"message": message})
	return err
}

// Sleep keeps the call running on the server for d.
func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	_, err := p.Send(ctx, "sleep", map[string]any{"ms": float64(d.Milliseconds())})
	return err
}

// Echo sends value, an optional page reference and data to the server and
// returns what came back. page is a client.Object or a client.DisposedRef.
func (p *Page) Echo(ctx context.Context, value any, page any, data []byte) (map[string]any, error) {
	params := map[string]any{"value": value}
	if page != nil {
		params["page"] = page
	}
	if data != nil {
		params["data"] = data
	}
	return p.Send(ctx, "echo", params)
}

// Log makes the page emit a console event with text.
func (p *Page) Log(ctx context.Context, text string) error {
	_, err := p.Send(ctx, "log", map[string]any{"text": text})
	return err
}

// AddFrame attaches a frame named name.
func (p *Page) AddFrame(ctx context.Context, name string) (*Frame, error) {
	res, err := p.Send(ctx, "addFrame", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	return as[*Frame](res, "frame")
}

// Frames returns the attached frames.
func (p *Page) Frames() []*Frame {
	var frames []*Frame
	for _, c := range p.Children() {
		if f, ok := c.(*Frame); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Close closes the page and its frames.
func (p *Page) Close(ctx context.Context) error {
	_, err := p.Send(ctx, "close", nil)
	return err
}

// Frame is the client proxy of a frame.
type Frame struct {
	*client.ChannelOwner
}

// Name returns the frame name.
func (f *Frame) Name() string {
	n, _ := f.Initializer()["name"].(string)
	return n
}

// Page returns the page the frame was attached to.
func (f *Frame) Page() *Page {
	p, _ := f.Initializer()["page"].(*Page)
	return p
}

// Content returns the frame markup.
func (f *Frame) Content(ctx context.Context) (string, error) {
	res, err := f.Send(ctx, "content", nil)
	if err != nil {
		return "", err
	}
	html, _ := res["html"].(string)
	return html, nil
}
