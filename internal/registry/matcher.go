package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aussielabs/aussie/internal/localcache"
)

// templateVarPattern matches {name} tokens in templates and rewrites.
var templateVarPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type compiledTemplate struct {
	re   *regexp.Regexp
	vars []string
}

// templateCache avoids recompiling endpoint templates across watch
// refreshes. Compiled regexps are immutable, so sharing is safe.
var templateCache = localcache.New[string, *compiledTemplate](4096, 0, 0)

func compiledFor(tpl string) (*compiledTemplate, error) {
	if ct, ok := templateCache.Get(tpl); ok {
		return ct, nil
	}
	re, vars, err := compileTemplate(tpl)
	if err != nil {
		return nil, err
	}
	ct := &compiledTemplate{re: re, vars: vars}
	templateCache.Put(tpl, ct)
	return ct, nil
}

// compileTemplate turns an endpoint path template into an anchored
// regexp. {name} captures one segment, * matches within a segment, **
// spans segments. Compiled once per template; matching is a single
// regexp evaluation.
func compileTemplate(tpl string) (*regexp.Regexp, []string, error) {
	if !strings.HasPrefix(tpl, "/") {
		return nil, nil, fmt.Errorf("path template %q must start with /", tpl)
	}
	var b strings.Builder
	b.WriteString("^")
	var vars []string
	for i := 0; i < len(tpl); {
		switch {
		case strings.HasPrefix(tpl[i:], "**"):
			b.WriteString(".*")
			i += 2
		case tpl[i] == '*':
			b.WriteString("[^/]*")
			i++
		case tpl[i] == '{':
			end := strings.IndexByte(tpl[i:], '}')
			if end < 0 {
				return nil, nil, fmt.Errorf("unterminated variable in path template %q", tpl)
			}
			name := tpl[i+1 : i+end]
			if !isTemplateVarName(name) {
				return nil, nil, fmt.Errorf("invalid variable name %q in path template %q", name, tpl)
			}
			vars = append(vars, name)
			b.WriteString("(?P<")
			b.WriteString(name)
			b.WriteString(">[^/]+)")
			i += end + 1
		case tpl[i] == '}':
			return nil, nil, fmt.Errorf("unmatched } in path template %q", tpl)
		default:
			b.WriteString(regexp.QuoteMeta(tpl[i : i+1]))
			i++
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		// Duplicate capture names land here.
		return nil, nil, fmt.Errorf("invalid path template %q: %w", tpl, err)
	}
	return re, vars, nil
}

func isTemplateVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// validateRewrite checks that a pathRewrite only references variables
// the template captures.
func validateRewrite(rewrite string, vars []string) error {
	if rewrite == "" {
		return nil
	}
	if !strings.HasPrefix(rewrite, "/") {
		return fmt.Errorf("pathRewrite %q must start with /", rewrite)
	}
	known := make(map[string]bool, len(vars))
	for _, v := range vars {
		known[v] = true
	}
	for _, m := range templateVarPattern.FindAllStringSubmatch(rewrite, -1) {
		if !known[m[1]] {
			return fmt.Errorf("pathRewrite references unknown variable {%s}", m[1])
		}
	}
	return nil
}

type compiledEndpoint struct {
	endpoint *EndpointConfig
	tpl      *compiledTemplate
}

// compiledService is the match-ready form of one registration. Built
// once when the registration is stored or observed on the watch stream.
type compiledService struct {
	service   *ServiceRegistration
	endpoints []compiledEndpoint
}

func compileService(s *ServiceRegistration) (*compiledService, error) {
	cs := &compiledService{
		service:   s,
		endpoints: make([]compiledEndpoint, 0, len(s.Endpoints)),
	}
	for i := range s.Endpoints {
		ep := &s.Endpoints[i]
		ct, err := compiledFor(ep.Path)
		if err != nil {
			return nil, err
		}
		if err := validateRewrite(ep.PathRewrite, ct.vars); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Path, err)
		}
		cs.endpoints = append(cs.endpoints, compiledEndpoint{endpoint: ep, tpl: ct})
	}
	return cs, nil
}

// Defaults carries platform-level fallbacks applied when neither the
// endpoint nor the service sets a value.
type Defaults struct {
	Visibility   Visibility
	SamplingRate float64
}

// resolve matches the remainder path and method against the service's
// endpoints. Endpoints are tried in registration order; a template whose
// methods exclude the request keeps the scan going. No endpoint match
// degrades to a service-level pass-through.
func (cs *compiledService) resolve(path, method string, defs Defaults) RouteLookupResult {
	svc := cs.service
	for i := range cs.endpoints {
		ce := &cs.endpoints[i]
		m := ce.tpl.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		if !ce.endpoint.matchesMethod(method) {
			continue
		}
		vars := captureVars(ce.tpl, m)
		target := path
		if ce.endpoint.PathRewrite != "" {
			target = substituteVars(ce.endpoint.PathRewrite, vars)
		}
		return RouteLookupResult{
			Kind:          KindRouteMatch,
			Service:       svc,
			Endpoint:      ce.endpoint,
			TargetPath:    target,
			PathVariables: vars,
			Visibility:    effectiveVisibility(svc, ce.endpoint, path, defs),
			AuthRequired:  effectiveAuth(svc, ce.endpoint),
			SamplingRate:  effectiveSampling(svc, ce.endpoint, defs),
		}
	}
	return RouteLookupResult{
		Kind:         KindServiceOnly,
		Service:      svc,
		TargetPath:   path,
		Visibility:   effectiveVisibility(svc, nil, path, defs),
		AuthRequired: svc.DefaultAuthRequired,
		SamplingRate: effectiveSampling(svc, nil, defs),
	}
}

func captureVars(ct *compiledTemplate, m []string) map[string]string {
	if len(ct.vars) == 0 {
		return nil
	}
	vars := make(map[string]string, len(ct.vars))
	for i, name := range ct.re.SubexpNames() {
		if i == 0 || name == "" || i >= len(m) {
			continue
		}
		vars[name] = m[i]
	}
	return vars
}

func substituteVars(rewrite string, vars map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(rewrite, func(tok string) string {
		if v, ok := vars[tok[1:len(tok)-1]]; ok {
			return v
		}
		return tok
	})
}

// effectiveVisibility resolves visibility: service-level path rules win,
// then the endpoint's own setting, then the service default, then the
// platform default.
func effectiveVisibility(svc *ServiceRegistration, ep *EndpointConfig, path string, defs Defaults) Visibility {
	if v, ok := visibilityFor(svc.VisibilityRules, path); ok {
		return v
	}
	if ep != nil && ep.Visibility != "" {
		return ep.Visibility
	}
	if svc.DefaultVisibility != "" {
		return svc.DefaultVisibility
	}
	if defs.Visibility != "" {
		return defs.Visibility
	}
	return VisibilityPrivate
}

func effectiveAuth(svc *ServiceRegistration, ep *EndpointConfig) bool {
	if ep != nil && ep.AuthRequired != nil {
		return *ep.AuthRequired
	}
	return svc.DefaultAuthRequired
}

func effectiveSampling(svc *ServiceRegistration, ep *EndpointConfig, defs Defaults) float64 {
	if ep != nil && ep.SamplingConfig != nil {
		return ep.SamplingConfig.Rate
	}
	if svc.SamplingConfig != nil {
		return svc.SamplingConfig.Rate
	}
	return defs.SamplingRate
}
