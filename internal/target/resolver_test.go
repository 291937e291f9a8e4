package target

import (
	"errors"
	"testing"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/model"
)

func inbound(path, query string, tls bool) *model.InboundContext {
	return &model.InboundContext{
		Method:      "POST",
		Proto:       "HTTP/1.1",
		ProtoMajor:  1,
		ProtoMinor:  1,
		TLS:         tls,
		RoutingPath: path,
		RawQuery:    query,
	}
}

func TestResolve_ConfigSyntax(t *testing.T) {
	r := NewResolver(config.SyntaxConfig)

	tests := []struct {
		name  string
		path  string
		query string
		tls   bool
		want  model.TargetDescriptor
	}{
		{
			name: "method scheme debug",
			path: "/get_https_debug/example.com/a",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/a", Method: "GET", Debug: true},
		},
		{
			name: "dotted first segment is whole destination",
			path: "/example.com/a/b",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com/a/b"},
		},
		{
			name: "default scheme follows inbound tls",
			path: "/example.com/a",
			tls:  true,
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/a"},
		},
		{
			name: "protocol token",
			path: "/put_20/example.com",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com", Method: "PUT", Protocol: "2.0"},
		},
		{
			name: "debughttps token",
			path: "/debughttps/example.com/x",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/x", Debug: true},
		},
		{
			name: "unknown tokens ignored",
			path: "/foo_bar_http/example.com",
			tls:  true,
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com"},
		},
		{
			name: "tokens are case-insensitive",
			path: "/DELETE_HTTPS_11/example.com/r",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/r", Method: "DELETE", Protocol: "1.1"},
		},
		{
			name: "first method token in path order wins",
			path: "/post_get/example.com/a",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com/a", Method: "POST"},
		},
		{
			name: "first scheme token in path order wins",
			path: "/http_https/example.com/a",
			tls:  true,
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com/a"},
		},
		{
			name: "debug scheme token counts as scheme in order",
			path: "/debughttp_https/example.com/a",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com/a", Debug: true},
		},
		{
			name: "protocol follows candidate order",
			path: "/patch_get_http_https_30_10/example.com",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com", Method: "PATCH", Protocol: "1.0"},
		},
		{
			name:  "query travels with destination",
			path:  "/get/example.com/search",
			query: "q=1&r=2",
			want:  model.TargetDescriptor{Scheme: "http", Destination: "example.com/search?q=1&r=2", Method: "GET"},
		},
		{
			name: "leading whitespace and slashes trimmed",
			path: " \t//https/example.com/a",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/a"},
		},
		{
			name: "escaped bytes kept verbatim",
			path: "/https/example.com/a%2Fb%20c",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/a%2Fb%20c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(inbound(tt.path, tt.query, tt.tls))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolve_SchemeSyntax(t *testing.T) {
	r := NewResolver(config.SyntaxScheme)

	tests := []struct {
		name string
		path string
		want model.TargetDescriptor
	}{
		{
			name: "debughttps",
			path: "/debughttps/example.com/a",
			want: model.TargetDescriptor{Scheme: "https", Destination: "example.com/a", Debug: true},
		},
		{
			name: "http",
			path: "/http/example.com/a/b",
			want: model.TargetDescriptor{Scheme: "http", Destination: "example.com/a/b"},
		},
		{
			name: "debughttp",
			path: "debughttp/localhost:8080/x",
			want: model.TargetDescriptor{Scheme: "http", Destination: "localhost:8080/x", Debug: true},
		},
		{
			name: "undotted destination host",
			path: "/https/intranet/a",
			want: model.TargetDescriptor{Scheme: "https", Destination: "intranet/a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(inbound(tt.path, "", false))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
			if got.Method != "" {
				t.Errorf("Method = %q, want no override", got.Method)
			}
		})
	}
}

func TestResolve_NoTarget(t *testing.T) {
	tests := []struct {
		name   string
		syntax string
		path   string
	}{
		{"empty", config.SyntaxConfig, ""},
		{"only slashes", config.SyntaxConfig, "///"},
		{"whitespace", config.SyntaxConfig, " \n\t"},
		{"tokens without destination", config.SyntaxConfig, "/get_https"},
		{"tokens with empty destination", config.SyntaxConfig, "/get_https/"},
		{"whitespace destination", config.SyntaxConfig, "/get/   "},
		{"scheme without destination", config.SyntaxScheme, "/https/"},
		{"unknown scheme", config.SyntaxScheme, "/ftp/example.com"},
		{"config tokens under scheme syntax", config.SyntaxScheme, "/get_https/example.com"},
		{"dotted host under scheme syntax", config.SyntaxScheme, "/example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.syntax).Resolve(inbound(tt.path, "", false))
			if !errors.Is(err, ErrNoTarget) {
				t.Errorf("Resolve() error = %v, want ErrNoTarget", err)
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver(config.SyntaxConfig)
	in := inbound("/post_https_11/example.com/a", "x=1", false)

	first, err := r.Resolve(in)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := r.Resolve(in)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first != second {
		t.Errorf("Resolve() not idempotent: %+v != %+v", first, second)
	}
}

func TestNewResolver_UnknownSyntaxFallsBackToConfig(t *testing.T) {
	if got := NewResolver("weird").Syntax(); got != config.SyntaxConfig {
		t.Errorf("Syntax() = %q, want %q", got, config.SyntaxConfig)
	}
}
