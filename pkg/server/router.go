package server

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/config"
	"github.com/WhileEndless/go-elements/pkg/errors"
)

// RouteSpec declares one route table entry. Pattern, when present, uses the
// simplified group syntax "(name:regex)" and validates the colon-suffixed
// tail of the script name; named captures land in params.
type RouteSpec struct {
	Pattern string
	Action  ActionFactory
	Args    map[string]any
}

type route struct {
	pattern *regexp.Regexp
	action  Action
}

// RoutingServer dispatches requests over a compiled route table keyed by
// SCRIPT_NAME.
type RoutingServer struct {
	*Server

	routes map[string]*route
}

// NewRoutingServer compiles the route table and instantiates every action.
// Any bad pattern or failing action factory is fatal.
func NewRoutingServer(settings config.Settings, logger *zap.Logger, specs map[string]RouteSpec) (*RoutingServer, error) {
	s, err := NewServer(settings, logger, nil)
	if err != nil {
		return nil, err
	}

	rs := &RoutingServer{
		Server: s,
		routes: make(map[string]*route, len(specs)),
	}

	for script, spec := range specs {
		if spec.Action == nil {
			return nil, errors.NewRouteError(script, "route has no action", nil)
		}

		action, err := spec.Action(ActionConfig{
			Server:       s,
			Title:        "Method Not Supported",
			ResponseCode: "405",
			Args:         spec.Args,
		})
		if err != nil {
			return nil, errors.NewRouteError(script, "action failed to instantiate", err)
		}

		rt := &route{action: action}

		if spec.Pattern != "" {
			compiled, err := compileRoutePattern(spec.Pattern)
			if err != nil {
				return nil, errors.NewRouteError(script, "pattern failed to compile", err)
			}
			rt.pattern = compiled
		}

		rs.routes[script] = rt
	}

	s.dispatch = rs.dispatchRoute

	return rs, nil
}

// dispatchRoute resolves SCRIPT_NAME against the route table and invokes
// the handler named after the request method. Misses render the 404 action
// through the same method-named handler.
func (rs *RoutingServer) dispatchRoute(c *Conn) {
	script := c.InHeaders["SCRIPT_NAME"]
	method := c.InHeaders["REQUEST_METHOD"]
	base, tail, hasTail := strings.Cut(script, ":")

	rt, ok := rs.routes[base]
	if !ok {
		invokeMethod(rs.errorActions[Status404], method, c)
		return
	}

	if rt.pattern == nil {
		// Route doesn't require validated data.
		invokeMethod(rt.action, method, c)
		return
	}

	if !hasTail {
		// Route expected data but the URL carried none; serve it as if
		// the URL doesn't exist.
		invokeMethod(rs.errorActions[Status404], method, c)
		return
	}

	c.InHeaders["SCRIPT_NAME"] = base
	c.InHeaders["SCRIPT_ARGS"] = tail

	match := rt.pattern.FindStringSubmatch(tail)
	if match == nil {
		invokeMethod(rs.errorActions[Status404], method, c)
		return
	}

	for i, name := range rt.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		c.Params.Set(name, match[i])
	}

	invokeMethod(rt.action, method, c)
}

// compileRoutePattern rewrites the simplified group syntax "(name:regex)"
// into standard named-group form and compiles it anchored at the start of
// the route tail. A "\)" inside the group body does not terminate it.
func compileRoutePattern(pattern string) (*regexp.Regexp, error) {
	var out strings.Builder

	for i := 0; i < len(pattern); {
		if pattern[i] != '(' || (i > 0 && pattern[i-1] == '\\') {
			out.WriteByte(pattern[i])
			i++
			continue
		}

		colon, end := -1, -1
		for j := i + 1; j < len(pattern); j++ {
			if pattern[j] == ':' && colon == -1 {
				colon = j
			}
			if pattern[j] == ')' && pattern[j-1] != '\\' {
				end = j
				break
			}
		}

		if colon == -1 || end == -1 || colon > end || colon == i+1 {
			// Not a simplified group; leave the paren alone.
			out.WriteByte(pattern[i])
			i++
			continue
		}

		out.WriteString("(?P<")
		out.WriteString(pattern[i+1 : colon])
		out.WriteString(">")
		out.WriteString(pattern[colon+1 : end])
		out.WriteString(")")
		i = end + 1
	}

	return regexp.Compile(`\A(?:` + out.String() + `)`)
}
