// Package demo is a small browser-like object model served over a channel
// connection. It exercises both ends of the protocol: a Browser creates
// Pages, Pages create Frames, and closing an object disposes its subtree.
package demo

import (
	"github.com/grafana/xk6-channel/protocol"
)

// Protocol types.
const (
	TypeBrowser = "Browser"
	TypePage    = "Page"
	TypeFrame   = "Frame"
)

// Page events.
const (
	EventLoad    = "load"
	EventConsole = "console"
)

// Schema returns the wire contract of the demo object model.
func Schema() *protocol.Schema {
	s := protocol.NewSchema()

	s.Define("PageRef", protocol.TChannel(TypePage))

	s.Method(protocol.TypeRoot, "initialize",
		protocol.TObject(map[string]protocol.Validator{
			"sdkLanguage": protocol.TOptional(protocol.TEnum("go", "javascript")),
		}),
		protocol.TObject(map[string]protocol.Validator{
			"browser": protocol.TChannel(TypeBrowser),
		}),
	)

	s.Initializer(TypeBrowser, protocol.TObject(map[string]protocol.Validator{
		"version": protocol.TString,
	}))
	s.Method(TypeBrowser, "newPage",
		protocol.TObject(map[string]protocol.Validator{
			"url": protocol.TOptional(protocol.TString),
		}),
		protocol.TObject(map[string]protocol.Validator{
			"page": protocol.TChannel(TypePage),
		}),
	)
	s.Method(TypeBrowser, "collect",
		protocol.TObject(map[string]protocol.Validator{
			"page": protocol.TType(s, "PageRef"),
		}),
		nil,
	)
	s.Method(TypeBrowser, "close", nil, nil)

	s.Initializer(TypePage, protocol.TObject(map[string]protocol.Validator{
		"url": protocol.TString,
	}))
	s.Method(TypePage, "goto",
		protocol.TObject(map[string]protocol.Validator{
			"url": protocol.TString,
		}),
		protocol.TObject(map[string]protocol.Validator{
			"url": protocol.TString,
		}),
	)
	s.Method(TypePage, "title", nil, protocol.TObject(map[string]protocol.Validator{
		"value": protocol.TString,
	}))
	s.Method(TypePage, "fail",
		protocol.TObject(map[string]protocol.Validator{
			"message": protocol.TString,
		}),
		nil,
	)
	s.Method(TypePage, "sleep",
		protocol.TObject(map[string]protocol.Validator{
			"ms": protocol.TNumber,
		}),
		nil,
	)
	echo := protocol.TObject(map[string]protocol.Validator{
		"value": protocol.TOptional(protocol.TAny),
		"page":  protocol.TOptional(protocol.TType(s, "PageRef")),
		"data":  protocol.TOptional(protocol.TBinary),
	})
	s.Method(TypePage, "echo", echo, echo)
	s.Method(TypePage, "log",
		protocol.TObject(map[string]protocol.Validator{
			"text": protocol.TString,
		}),
		nil,
	)
	s.Method(TypePage, "addFrame",
		protocol.TObject(map[string]protocol.Validator{
			"name": protocol.TString,
		}),
		protocol.TObject(map[string]protocol.Validator{
			"frame": protocol.TChannel(TypeFrame),
		}),
	)
	s.Method(TypePage, "close", nil, nil)
	s.Event(TypePage, EventLoad, protocol.TObject(map[string]protocol.Validator{
		"url": protocol.TString,
	}))
	s.Event(TypePage, EventConsole, protocol.TObject(map[string]protocol.Validator{
		"text": protocol.TString,
	}))

	s.Initializer(TypeFrame, protocol.TObject(map[string]protocol.Validator{
		"name": protocol.TString,
		"page": protocol.TType(s, "PageRef"),
	}))
	s.Method(TypeFrame, "content", nil, protocol.TObject(map[string]protocol.Validator{
		"html": protocol.TString,
	}))

	return s
}
