// Package target decodes the forwarding destination encoded in a request path.
//
// Two path syntaxes exist and exactly one is active per Resolver:
//
//	config: /{tokens}/{destination...}  tokens are "_"-joined, e.g. /get_https_11/example.com/a
//	scheme: /{scheme}/{destination...}  scheme is http, https, debughttp or debughttps
//
// A config-syntax first segment containing a "." is not a token list; the
// whole path is then the destination.
package target

import (
	"errors"
	"slices"
	"strconv"
	"strings"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/model"
)

// ErrNoTarget is returned when the path does not decode to a destination.
var ErrNoTarget = errors.New("no forwarding target in path")

// trimCutset is stripped from the front of the routing path.
const trimCutset = " \n\r\t\v\x00/"

const debugToken = "debug"

// Recognized tokens. Only protocolTokens is an order of preference.
var (
	methodTokens   = []string{"get", "post", "head", "put", "delete", "options", "trace", "connect", "patch"}
	schemeTokens   = []string{"https", "http"}
	protocolTokens = []string{"10", "11", "20", "30"}
)

// Resolver turns an InboundContext into a TargetDescriptor. It holds no
// mutable state and is safe for concurrent use.
type Resolver struct {
	syntax string
}

// NewResolver creates a Resolver for the given path syntax
// (config.SyntaxConfig or config.SyntaxScheme).
func NewResolver(syntax string) *Resolver {
	if syntax != config.SyntaxScheme {
		syntax = config.SyntaxConfig
	}
	return &Resolver{syntax: syntax}
}

// NewResolverFromConfig creates a Resolver using forward.path_syntax.
func NewResolverFromConfig(cfg *config.Config) *Resolver {
	return NewResolver(cfg.Forward.PathSyntax)
}

// Syntax reports the active path syntax.
func (r *Resolver) Syntax() string {
	return r.syntax
}

// Resolve decodes the target from in.RoutingPath and in.RawQuery.
// It returns ErrNoTarget when no non-empty destination can be found.
func (r *Resolver) Resolve(in *model.InboundContext) (model.TargetDescriptor, error) {
	raw := strings.TrimLeft(in.RoutingPath, trimCutset)
	if raw == "" {
		return model.TargetDescriptor{}, ErrNoTarget
	}
	if in.RawQuery != "" {
		raw += "?" + in.RawQuery
	}

	first, rest, _ := strings.Cut(raw, "/")

	if r.syntax == config.SyntaxScheme {
		return resolveScheme(first, rest)
	}
	return resolveConfig(raw, first, rest, in.TLS)
}

func resolveScheme(first, rest string) (model.TargetDescriptor, error) {
	td := model.TargetDescriptor{Scheme: first}
	if s, ok := strings.CutPrefix(first, debugToken); ok {
		td.Scheme = s
		td.Debug = true
	}
	if td.Scheme != "http" && td.Scheme != "https" {
		return model.TargetDescriptor{}, ErrNoTarget
	}
	if strings.TrimSpace(rest) == "" {
		return model.TargetDescriptor{}, ErrNoTarget
	}
	td.Destination = rest
	return td, nil
}

func resolveConfig(raw, first, rest string, inboundTLS bool) (model.TargetDescriptor, error) {
	td := model.TargetDescriptor{Scheme: "http"}
	if inboundTLS {
		td.Scheme = "https"
	}

	dest := raw
	if !strings.Contains(first, ".") {
		dest = rest
		applyTokens(&td, strings.Split(strings.ToLower(first), "_"))
	}
	if strings.TrimSpace(dest) == "" {
		return model.TargetDescriptor{}, ErrNoTarget
	}
	td.Destination = dest
	return td, nil
}

// applyTokens sets the overrides named by tokens. Methods and schemes are
// taken from the first matching token in path order; the protocol is the
// first candidate of protocolTokens present. Unknown tokens are ignored.
func applyTokens(td *model.TargetDescriptor, tokens []string) {
	set := make(map[string]bool, len(tokens))
	methodSet, schemeSet := false, false
	for _, t := range tokens {
		set[t] = true
		if !methodSet && slices.Contains(methodTokens, t) {
			td.Method = strings.ToUpper(t)
			methodSet = true
		}
		if s := strings.TrimPrefix(t, debugToken); !schemeSet && slices.Contains(schemeTokens, s) {
			td.Scheme = s
			schemeSet = true
		}
	}

	for _, p := range protocolTokens {
		if set[p] {
			td.Protocol = protocolFromToken(p)
			break
		}
	}
	td.Debug = set[debugToken] || set[debugToken+"http"] || set[debugToken+"https"]
}

// protocolFromToken maps "11" to "1.1".
func protocolFromToken(tok string) string {
	n, _ := strconv.Atoi(tok)
	return strconv.Itoa(n/10) + "." + strconv.Itoa(n%10)
}
