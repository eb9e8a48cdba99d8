package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/demo-copilot/pkg/core"
)

func TestBuiltinInSignScript(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	s, err := c.Lookup("InSign")
	require.NoError(t, err)

	assert.Equal(t, 5, s.Len())
	assert.Equal(t, []string{"login", "dashboard_overview", "sign_document", "send_document", "audit_trail"}, s.Sections())
	assert.Equal(t, "InSign", s.Facts.Name)
	assert.Contains(t, s.Facts.Pricing, "$10/user/month")

	idx, ok := s.FirstStepOf("audit_trail")
	require.True(t, ok)
	assert.Equal(t, 4, idx)
	assert.False(t, s.Steps[0].Interruptible, "login fills a form and must not be interrupted")
	assert.True(t, s.Steps[1].Interruptible)
}

func TestCatalog_LookupUnknownIsConfigurationError(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	_, err = c.Lookup("salesforce")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = c.Lookup("  ")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestCatalog_LoadDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := `
product: insign
steps:
  - section: intro
    narration: hi
  - section: outro
    narration: bye
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "insign.yml"), []byte(doc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	c, err := NewCatalog()
	require.NoError(t, err)
	require.NoError(t, c.LoadDir(dir))

	s, err := c.Lookup("insign")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"insign"}, c.Products())
}

func TestParse_RejectsNonContiguousSections(t *testing.T) {
	_, err := Parse([]byte(`
product: p
steps:
  - {section: a, narration: one}
  - {section: b, narration: two}
  - {section: a, narration: three}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestParse_RejectsBadActions(t *testing.T) {
	cases := map[string]string{
		"unknown kind":   `{kind: hover, target: "#x"}`,
		"missing target": `{kind: click}`,
		"bad wait":       `{kind: wait, value: soon}`,
	}
	for name, action := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte("product: p\nsteps:\n  - section: a\n    actions: [" + action + "]\n"))
			assert.Error(t, err)
		})
	}
}

func TestAction_IsIdempotentDefaults(t *testing.T) {
	yes, no := true, false
	assert.True(t, Action{Kind: ActionNavigate}.IsIdempotent())
	assert.True(t, Action{Kind: ActionScreenshot}.IsIdempotent())
	assert.False(t, Action{Kind: ActionClick}.IsIdempotent())
	assert.False(t, Action{Kind: ActionType}.IsIdempotent())
	assert.True(t, Action{Kind: ActionClick, Idempotent: &yes}.IsIdempotent())
	assert.False(t, Action{Kind: ActionNavigate, Idempotent: &no}.IsIdempotent())
}

func TestPersonalize(t *testing.T) {
	t.Setenv("INSIGN_DEMO_EMAIL", "sales@example.com")

	c, err := NewCatalog()
	require.NoError(t, err)
	base, err := c.Lookup("insign")
	require.NoError(t, err)

	s, err := base.Personalize(core.CustomerInfo{Name: "Sarah"})
	require.NoError(t, err)

	assert.Contains(t, s.Steps[0].Narration, "Hello Sarah!")
	assert.Contains(t, s.Steps[0].Narration, "log into our InSign demo account")
	assert.Contains(t, s.Steps[len(s.Steps)-1].Outro, "That completes our demonstration")
	assert.Equal(t, "sales@example.com", s.Steps[0].Actions[2].Value)
	assert.Equal(t, "https://demo.insign.io", s.BaseURL)

	// the catalog copy stays untouched
	assert.NotContains(t, base.Steps[0].Narration, "Sarah")
}

func TestResolveURL(t *testing.T) {
	s := &Script{BaseURL: "https://demo.example.com/app"}
	assert.Equal(t, "https://demo.example.com/app/", s.ResolveURL("/"))
	assert.Equal(t, "https://demo.example.com/app/docs?x=1", s.ResolveURL("docs?x=1"))
	assert.Equal(t, "https://other.example.com/", s.ResolveURL("https://other.example.com/"))
}
