package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func TestLoadPlans_Embedded(t *testing.T) {
	c, err := LoadPlans("")
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	if c.Default != "free" {
		t.Fatalf("default = %q", c.Default)
	}
	free := c.Resolve("")
	if free.ID != "free" || free.Limit(domain.QuotaMaterialsUploaded) <= 0 {
		t.Fatalf("unexpected free plan: %+v", free)
	}
	if got := c.Resolve("unlimited").Limit(domain.QuotaAIGenerations); got != Unlimited {
		t.Fatalf("unlimited plan limit = %d", got)
	}
	if got := c.Resolve("no-such-plan").ID; got != "free" {
		t.Fatalf("unknown plan should resolve to default, got %q", got)
	}
}

func TestLoadPlans_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.toml")
	body := `default = "basic"
[plans.basic.limits]
ai_generations = 3
ai_tokens = 100
materials_uploaded = 1
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadPlans(path)
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	p := c.Resolve("basic")
	if p.Name != "basic" || p.Limit(domain.QuotaAIGenerations) != 3 {
		t.Fatalf("unexpected plan: %+v", p)
	}
}

func TestLoadPlans_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing default": "default = \"gold\"\n[plans.free.limits]\nai_generations = 1\n",
		"bad limit":       "default = \"free\"\n[plans.free.limits]\nai_generations = -5\n",
		"bad toml":        "default = \n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, filepath.Base(t.Name())+".toml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadPlans(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := LoadPlans(filepath.Join(dir, "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
