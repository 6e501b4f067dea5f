package secrets

import (
	"context"
	"errors"
	"testing"
)

// --- StaticProvider ---

func TestStaticProvider_Resolve(t *testing.T) {
	p := NewStaticProvider(map[string]string{"api_key": "sk-test-123"})

	secret, err := p.Resolve(context.Background(), "static://api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "sk-test-123" {
		t.Errorf("Value = %q, want sk-test-123", secret.Value)
	}
	if secret.Metadata["source"] != "static" {
		t.Errorf("source = %q, want static", secret.Metadata["source"])
	}
}

func TestStaticProvider_Missing(t *testing.T) {
	p := NewStaticProvider(nil)
	_, err := p.Resolve(context.Background(), "static://absent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestStaticProvider_NonStaticRef(t *testing.T) {
	p := NewStaticProvider(map[string]string{"api_key": "v"})
	_, err := p.Resolve(context.Background(), "env://API_KEY")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestStaticProvider_CopiesInput(t *testing.T) {
	values := map[string]string{"api_key": "original"}
	p := NewStaticProvider(values)
	values["api_key"] = "mutated"

	secret, err := p.Resolve(context.Background(), "static://api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "original" {
		t.Errorf("Value = %q, caller mutation leaked in", secret.Value)
	}
}

// --- Resolver ---

func TestResolver_ConfiguredRef(t *testing.T) {
	provider := NewStaticProvider(map[string]string{"gh": "ghp_value"})
	r := NewResolver(provider, map[string]string{"github_token": "static://gh"})

	value, err := r.Lookup(context.Background(), "github_token")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "ghp_value" {
		t.Errorf("value = %q, want ghp_value", value)
	}
}

func TestResolver_EnvFallback(t *testing.T) {
	t.Setenv("IRONCLAW_SECRET_WEATHER_API_KEY", "wx-secret")

	r := NewResolver(NewEnvProvider(), nil)
	value, err := r.Lookup(context.Background(), "weather-api-key")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "wx-secret" {
		t.Errorf("value = %q, want wx-secret", value)
	}
}

func TestResolver_MissingSecret(t *testing.T) {
	r := NewResolver(NewStaticProvider(nil), nil)
	_, err := r.Lookup(context.Background(), "absent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestResolver_EmptyName(t *testing.T) {
	r := NewResolver(NewStaticProvider(nil), nil)
	_, err := r.Lookup(context.Background(), "")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

// --- CompositeProvider ---

func TestCompositeProvider_FirstMatchWins(t *testing.T) {
	a := NewStaticProvider(map[string]string{"key": "from-a"})
	b := NewStaticProvider(map[string]string{"key": "from-b"})
	c := NewCompositeProvider(a, b)

	secret, err := c.Resolve(context.Background(), "static://key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "from-a" {
		t.Errorf("Value = %q, want from-a", secret.Value)
	}
}

func TestCompositeProvider_FallsThrough(t *testing.T) {
	t.Setenv("COMPOSITE_TEST_KEY", "env-value")

	c := NewCompositeProvider(NewStaticProvider(nil), NewEnvProvider())
	secret, err := c.Resolve(context.Background(), "env://COMPOSITE_TEST_KEY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "env-value" {
		t.Errorf("Value = %q, want env-value", secret.Value)
	}
}

func TestCompositeProvider_AllFail(t *testing.T) {
	c := NewCompositeProvider(NewStaticProvider(nil))
	_, err := c.Resolve(context.Background(), "static://nope")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}
