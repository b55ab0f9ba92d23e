package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqsecure/mesh/internal/contract/policysource"
	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
	"github.com/pqsecure/mesh/internal/core/ports"
)

const validPolicyYAML = `
id: web-frontend
default_action: deny
rules:
  - peer_match: "spiffe://acme.test/ns/prod/sa/web"
    protocol_match: http
    method_match: "GET /healthz"
    action: allow
  - protocol_match: grpc
    method_match: "/acme.Orders/*"
    action: allow
ip_deny:
  - cidr: "10.0.0.0/8"
time_deny:
  - start: "2020-01-01T00:00:00Z"
    end: "2020-01-02T00:00:00Z"
`

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestYAMLSource_ContractSuite(t *testing.T) {
	policysource.Run(t, func(t *testing.T) ports.PolicySource {
		path := writePolicyFile(t, validPolicyYAML)
		return NewYAMLSource(path)
	})
}

func TestYAMLSource_Load_ParsesAllPredicates(t *testing.T) {
	path := writePolicyFile(t, validPolicyYAML)
	source := NewYAMLSource(path)

	ruleset, err := source.Load()
	require.NoError(t, err)
	require.NotNil(t, ruleset)

	assert.Equal(t, "web-frontend", ruleset.ID)
	assert.Equal(t, domain.Deny, ruleset.DefaultAction)
	require.Len(t, ruleset.Rules, 2)
	assert.Equal(t, domain.Allow, ruleset.Rules[0].Action)
	assert.Equal(t, domain.ProtocolHTTP, ruleset.Rules[0].Protocol)
	assert.Equal(t, domain.ProtocolGRPC, ruleset.Rules[1].Protocol)
	require.Len(t, ruleset.IPDenyRules, 1)
	require.Len(t, ruleset.TimeDenyRules, 1)
	assert.True(t, ruleset.TimeDenyRules[0].EndUnix > ruleset.TimeDenyRules[0].StartUnix)
}

func TestYAMLSource_Load_MissingFile(t *testing.T) {
	source := NewYAMLSource(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigMissing)
}

func TestYAMLSource_Load_MalformedYAML(t *testing.T) {
	path := writePolicyFile(t, "id: [this is not valid yaml")
	source := NewYAMLSource(path)
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Load_UnknownDefaultAction(t *testing.T) {
	path := writePolicyFile(t, "id: x\ndefault_action: maybe\n")
	source := NewYAMLSource(path)
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Load_UnknownProtocolMatch(t *testing.T) {
	doc := `
id: x
default_action: deny
rules:
  - protocol_match: carrier-pigeon
    action: allow
`
	source := NewYAMLSource(writePolicyFile(t, doc))
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Load_MalformedCIDR(t *testing.T) {
	doc := `
id: x
default_action: deny
ip_deny:
  - cidr: "not-a-cidr"
`
	source := NewYAMLSource(writePolicyFile(t, doc))
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Load_TimeDenyEndBeforeStart(t *testing.T) {
	doc := `
id: x
default_action: deny
time_deny:
  - start: "2020-01-02T00:00:00Z"
    end: "2020-01-01T00:00:00Z"
`
	source := NewYAMLSource(writePolicyFile(t, doc))
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Load_MalformedTimeDenyTimestamp(t *testing.T) {
	doc := `
id: x
default_action: deny
time_deny:
  - start: "not-a-timestamp"
    end: "2020-01-01T00:00:00Z"
`
	source := NewYAMLSource(writePolicyFile(t, doc))
	_, err := source.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestYAMLSource_Watch_StopIsIdempotent(t *testing.T) {
	path := writePolicyFile(t, validPolicyYAML)
	source := NewYAMLSource(path)

	stop, err := source.Watch(func(*domain.PolicyRuleset) {})
	require.NoError(t, err)
	require.NotNil(t, stop)
	stop()
	stop()
}

func TestYAMLSource_Watch_ReloadsOnWrite(t *testing.T) {
	path := writePolicyFile(t, validPolicyYAML)
	source := NewYAMLSource(path)

	changes := make(chan *domain.PolicyRuleset, 1)
	stop, err := source.Watch(func(r *domain.PolicyRuleset) { changes <- r })
	require.NoError(t, err)
	defer stop()

	updated := `
id: web-frontend-v2
default_action: allow
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case ruleset := <-changes:
		assert.Equal(t, "web-frontend-v2", ruleset.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestYAMLSource_Watch_SecondCallIsNoop(t *testing.T) {
	path := writePolicyFile(t, validPolicyYAML)
	source := NewYAMLSource(path)

	stop1, err := source.Watch(func(*domain.PolicyRuleset) {})
	require.NoError(t, err)
	defer stop1()

	stop2, err := source.Watch(func(*domain.PolicyRuleset) {})
	require.NoError(t, err)
	require.NotNil(t, stop2)
	stop2()
}
