package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Action is the outcome of a policy decision.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Protocol identifies the transport/application protocol observed for a
// connection or request (spec §3 ConnectionContext.protocol).
type Protocol string

const (
	ProtocolAny  Protocol = ""
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// EvalInput is the triple a PolicyRuleset is evaluated against (spec §4.6).
type EvalInput struct {
	PeerSpiffeID string
	Protocol     Protocol
	// Method is "<VERB> <path>" for HTTP, "<service>/<method>" for gRPC,
	// and empty for raw TCP.
	Method string
	// PeerAddr is the dotted-quad/CIDR-comparable remote address, used
	// only by the optional IP deny predicate.
	PeerAddr string
	// At is the evaluation timestamp, used only by the optional time deny
	// predicate. Tests can pin it for determinism (spec P3).
	At int64 // unix seconds
}

// Decision is the result of evaluating a ruleset against an EvalInput.
type Decision struct {
	Action Action
	// Reason is a category only, never rule contents (spec §7: "Reason
	// strings MUST NOT leak rule contents").
	Reason string
}

func allow() Decision { return Decision{Action: Allow, Reason: "matched-allow"} }
func denyReason(reason string) Decision { return Decision{Action: Deny, Reason: reason} }

// PeerMatcher decides whether a SPIFFE ID satisfies a rule's peer_match.
type PeerMatcher interface {
	Match(spiffeID string) bool
}

type exactPeerMatcher string

func (m exactPeerMatcher) Match(spiffeID string) bool { return string(m) == spiffeID }

// globPeerMatcher implements the wildcard form from spec §4.6: "*" matches
// a single path segment, "**" matches across segments.
type globPeerMatcher struct {
	segments []string // split on "/", "*" and "**" kept as literal tokens
}

func newGlobPeerMatcher(pattern string) globPeerMatcher {
	return globPeerMatcher{segments: strings.Split(pattern, "/")}
}

func (m globPeerMatcher) Match(spiffeID string) bool {
	return matchGlobSegments(m.segments, strings.Split(spiffeID, "/"))
}

func matchGlobSegments(pattern, input []string) bool {
	if len(pattern) == 0 {
		return len(input) == 0
	}
	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true // ** at the end matches everything remaining
		}
		for i := 0; i <= len(input); i++ {
			if matchGlobSegments(pattern[1:], input[i:]) {
				return true
			}
		}
		return false
	}
	if len(input) == 0 {
		return false
	}
	if head != "*" && head != input[0] {
		return false
	}
	return matchGlobSegments(pattern[1:], input[1:])
}

type regexPeerMatcher struct{ re *regexp.Regexp }

func (m regexPeerMatcher) Match(spiffeID string) bool { return m.re.MatchString(spiffeID) }

// NewPeerMatcher builds a PeerMatcher from the spec §4.6 syntax: exact
// string, glob with * / **, or "regex:<expr>". Regex compilation happens
// here, at load time, so malformed rules fail before runtime (spec §4.6).
func NewPeerMatcher(pattern string) (PeerMatcher, error) {
	switch {
	case strings.HasPrefix(pattern, "regex:"):
		expr := strings.TrimPrefix(pattern, "regex:")
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid peer_match regex %q: %w", expr, err)
		}
		return regexPeerMatcher{re: re}, nil
	case strings.ContainsAny(pattern, "*"):
		return newGlobPeerMatcher(pattern), nil
	default:
		return exactPeerMatcher(pattern), nil
	}
}

// MethodMatcher decides whether an observed method/path token satisfies a
// rule's method_match.
type MethodMatcher interface {
	Match(method string) bool
}

type anyMethodMatcher struct{}

func (anyMethodMatcher) Match(string) bool { return true }

type literalMethodMatcher string

func (m literalMethodMatcher) Match(method string) bool {
	return strings.EqualFold(string(m), method)
}

// httpMethodMatcher matches "<VERB> <path-pattern>" where VERB comparison
// is case-insensitive and path is glob or regex (spec §4.6).
type httpMethodMatcher struct {
	verb        string // uppercase, "" means any verb
	pathMatcher PeerMatcher
}

func (m httpMethodMatcher) Match(method string) bool {
	verb, path, ok := strings.Cut(method, " ")
	if !ok {
		return false
	}
	if m.verb != "" && !strings.EqualFold(m.verb, verb) {
		return false
	}
	return m.pathMatcher.Match(path)
}

// grpcMethodMatcher matches "<service>/<method>" via glob or regex (spec
// §4.6 gRPC form).
type grpcMethodMatcher struct {
	matcher PeerMatcher
}

func (m grpcMethodMatcher) Match(method string) bool { return m.matcher.Match(method) }

// NewMethodMatcher builds a MethodMatcher for the given protocol and
// method_match token from the policy document. An empty token means "any".
func NewMethodMatcher(protocol Protocol, token string) (MethodMatcher, error) {
	if token == "" {
		return anyMethodMatcher{}, nil
	}
	switch protocol {
	case ProtocolHTTP:
		verb, pathPattern, ok := strings.Cut(token, " ")
		if !ok {
			return nil, fmt.Errorf("invalid http method_match %q: expected \"<VERB> <path>\"", token)
		}
		pm, err := NewPeerMatcher(pathPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid http method_match path %q: %w", pathPattern, err)
		}
		return httpMethodMatcher{verb: strings.ToUpper(verb), pathMatcher: pm}, nil
	case ProtocolGRPC:
		pm, err := NewPeerMatcher(token)
		if err != nil {
			return nil, fmt.Errorf("invalid grpc method_match %q: %w", token, err)
		}
		return grpcMethodMatcher{matcher: pm}, nil
	default:
		return literalMethodMatcher(token), nil
	}
}

// Rule is one ordered entry of a PolicyRuleset (spec §3).
type Rule struct {
	Peer     PeerMatcher
	Protocol Protocol // ProtocolAny matches any observed protocol
	Method   MethodMatcher
	Action   Action

	// raw fields retained only for diagnostics/logging, never used for
	// matching and never surfaced in denial reasons.
	RawPeer string
}

// Matches reports whether the rule's predicates all match the input.
func (r Rule) Matches(in EvalInput) bool {
	if r.Peer != nil && !r.Peer.Match(in.PeerSpiffeID) {
		return false
	}
	if r.Protocol != ProtocolAny && r.Protocol != in.Protocol {
		return false
	}
	if r.Method != nil && !r.Method.Match(in.Method) {
		return false
	}
	return true
}

// IPDenyRule is the optional IP-based predicate resolved for spec §9 Open
// Question #2: evaluated before SPIFFE-based rules.
type IPDenyRule struct {
	CIDR string
	ipnet *net.IPNet
}

// NewIPDenyRule parses a CIDR (or bare IP, treated as a /32 or /128) once at
// load time, matching the load-time-validation convention used for rules.
func NewIPDenyRule(cidr string) (IPDenyRule, error) {
	if !strings.Contains(cidr, "/") {
		ip := net.ParseIP(cidr)
		if ip == nil {
			return IPDenyRule{}, fmt.Errorf("invalid ip_deny address %q", cidr)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		cidr = fmt.Sprintf("%s/%d", ip.String(), bits)
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return IPDenyRule{}, fmt.Errorf("invalid ip_deny CIDR %q: %w", cidr, err)
	}
	return IPDenyRule{CIDR: cidr, ipnet: ipnet}, nil
}

func (r IPDenyRule) contains(addr string) bool {
	if r.ipnet == nil || addr == "" {
		return false
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return r.ipnet.Contains(ip)
}

// TimeDenyRule is the optional time-window deny predicate from the same
// Open Question: denies traffic inside [StartUnix, EndUnix).
type TimeDenyRule struct {
	StartUnix int64
	EndUnix   int64
}

func (t TimeDenyRule) contains(at int64) bool {
	return at >= t.StartUnix && at < t.EndUnix
}

// PolicyRuleset is the per-local-service ACL document (spec §3).
type PolicyRuleset struct {
	ID            string
	DefaultAction Action
	Rules         []Rule
	IPDenyRules   []IPDenyRule
	TimeDenyRules []TimeDenyRule
}

// Evaluate implements spec §4.6/§9: IP/time deny rules are checked first
// and short-circuit with Deny(ip)/Deny(time); otherwise rules are scanned
// in declaration order and the first full match decides; absent a match,
// DefaultAction applies. Evaluation is deterministic and side-effect-free
// (spec P3/P6).
func (p *PolicyRuleset) Evaluate(in EvalInput) Decision {
	for _, ipRule := range p.IPDenyRules {
		if ipRule.contains(in.PeerAddr) {
			return denyReason("ip")
		}
	}
	for _, timeRule := range p.TimeDenyRules {
		if timeRule.contains(in.At) {
			return denyReason("time")
		}
	}
	for _, rule := range p.Rules {
		if rule.Matches(in) {
			if rule.Action == Allow {
				return allow()
			}
			return denyReason("rule")
		}
	}
	if p.DefaultAction == Allow {
		return allow()
	}
	return denyReason("default")
}
