// Package policy implements ports.PolicySource as a YAML document loaded
// from disk, with SIGHUP/fsnotify-driven hot reload (spec §6 "Policy
// file"). The document's structural fields mirror spec §3's PolicyRuleset:
// id, default_action, rules (peer_match/protocol_match/method_match/
// action), plus the optional ip_deny/time_deny predicates from §9.
package policy

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// ruleDoc is the wire shape of one rule entry.
type ruleDoc struct {
	PeerMatch     string `yaml:"peer_match"`
	ProtocolMatch string `yaml:"protocol_match"`
	MethodMatch   string `yaml:"method_match"`
	Action        string `yaml:"action"`
}

// ipDenyDoc and timeDenyDoc are the wire shapes of the optional predicates
// from spec §9.
type ipDenyDoc struct {
	CIDR string `yaml:"cidr"`
}

type timeDenyDoc struct {
	Start string `yaml:"start"` // RFC3339
	End   string `yaml:"end"`
}

type rulesetDoc struct {
	ID            string        `yaml:"id"`
	DefaultAction string        `yaml:"default_action"`
	Rules         []ruleDoc     `yaml:"rules"`
	IPDeny        []ipDenyDoc   `yaml:"ip_deny"`
	TimeDeny      []timeDenyDoc `yaml:"time_deny"`
}

// YAMLSource implements ports.PolicySource by reading path as YAML and
// rebuilding it into a domain.PolicyRuleset with all matchers and regexes
// compiled up front (spec §4.6: "a malformed rule is a load-time error").
type YAMLSource struct {
	path string

	mu       sync.Mutex
	watching bool
}

// NewYAMLSource constructs a YAMLSource reading from path.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

// Load implements ports.PolicySource.Load.
func (s *YAMLSource) Load() (*domain.PolicyRuleset, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading policy file %q: %v", errs.ErrConfigMissing, s.path, err)
	}
	return parseRuleset(data)
}

// Watch implements ports.PolicySource.Watch: it watches the policy file for
// writes/renames via fsnotify AND re-loads on SIGHUP (spec §6: "Hot-reload
// triggered by SIGHUP (or platform equivalent)"), reparsing and invoking
// onChange only once both the file decodes and every rule compiles.
func (s *YAMLSource) Watch(onChange func(*domain.PolicyRuleset)) (func(), error) {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return func() {}, nil
	}
	s.watching = true
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy file watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching policy file %q: %w", s.path, err)
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	done := make(chan struct{})
	reload := func() {
		ruleset, err := s.Load()
		if err != nil {
			// A load-time error on reload is logged by the caller via
			// onChange's absence; the previously published ruleset stays
			// active (spec §4.6: "reload is atomic").
			return
		}
		onChange(ruleset)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload()
				}
			case <-sighup:
				reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			signal.Stop(sighup)
			watcher.Close()
		})
	}
	return stop, nil
}

// parseRuleset decodes and compiles a policy document into a
// domain.PolicyRuleset, failing at load time on any malformed rule (spec
// §4.6).
func parseRuleset(data []byte) (*domain.PolicyRuleset, error) {
	var doc rulesetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing policy YAML: %v", errs.ErrConfigInvalid, err)
	}

	defaultAction, err := parseAction(doc.DefaultAction)
	if err != nil {
		return nil, fmt.Errorf("%w: default_action: %v", errs.ErrConfigInvalid, err)
	}

	ruleset := &domain.PolicyRuleset{ID: doc.ID, DefaultAction: defaultAction}

	for i, r := range doc.Rules {
		rule, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %v", errs.ErrConfigInvalid, i, err)
		}
		ruleset.Rules = append(ruleset.Rules, rule)
	}

	for i, d := range doc.IPDeny {
		rule, err := domain.NewIPDenyRule(d.CIDR)
		if err != nil {
			return nil, fmt.Errorf("%w: ip_deny[%d]: %v", errs.ErrConfigInvalid, i, err)
		}
		ruleset.IPDenyRules = append(ruleset.IPDenyRules, rule)
	}

	for i, d := range doc.TimeDeny {
		rule, err := compileTimeDeny(d)
		if err != nil {
			return nil, fmt.Errorf("%w: time_deny[%d]: %v", errs.ErrConfigInvalid, i, err)
		}
		ruleset.TimeDenyRules = append(ruleset.TimeDenyRules, rule)
	}

	return ruleset, nil
}

func compileRule(r ruleDoc) (domain.Rule, error) {
	action, err := parseAction(r.Action)
	if err != nil {
		return domain.Rule{}, err
	}
	protocol, err := parseProtocol(r.ProtocolMatch)
	if err != nil {
		return domain.Rule{}, err
	}

	var peerMatcher domain.PeerMatcher
	if r.PeerMatch != "" {
		peerMatcher, err = domain.NewPeerMatcher(r.PeerMatch)
		if err != nil {
			return domain.Rule{}, err
		}
	}

	methodMatcher, err := domain.NewMethodMatcher(protocol, r.MethodMatch)
	if err != nil {
		return domain.Rule{}, err
	}

	return domain.Rule{
		Peer:     peerMatcher,
		Protocol: protocol,
		Method:   methodMatcher,
		Action:   action,
		RawPeer:  r.PeerMatch,
	}, nil
}

func parseAction(s string) (domain.Action, error) {
	switch s {
	case "allow":
		return domain.Allow, nil
	case "deny", "":
		return domain.Deny, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

func compileTimeDeny(d timeDenyDoc) (domain.TimeDenyRule, error) {
	start, err := time.Parse(time.RFC3339, d.Start)
	if err != nil {
		return domain.TimeDenyRule{}, fmt.Errorf("invalid start %q: %w", d.Start, err)
	}
	end, err := time.Parse(time.RFC3339, d.End)
	if err != nil {
		return domain.TimeDenyRule{}, fmt.Errorf("invalid end %q: %w", d.End, err)
	}
	if !end.After(start) {
		return domain.TimeDenyRule{}, fmt.Errorf("end %q must be after start %q", d.End, d.Start)
	}
	return domain.TimeDenyRule{StartUnix: start.Unix(), EndUnix: end.Unix()}, nil
}

func parseProtocol(s string) (domain.Protocol, error) {
	switch s {
	case "", "any":
		return domain.ProtocolAny, nil
	case "tcp":
		return domain.ProtocolTCP, nil
	case "http":
		return domain.ProtocolHTTP, nil
	case "grpc":
		return domain.ProtocolGRPC, nil
	default:
		return "", fmt.Errorf("unknown protocol_match %q", s)
	}
}
