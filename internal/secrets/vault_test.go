package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// kvV2Body builds a Vault KV v2 JSON response envelope.
func kvV2Body(data map[string]any) []byte {
	resp := map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func newVaultStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// clearVaultEnv keeps a developer's real Vault environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVaultProvider(t *testing.T, cfg map[string]string) *VaultProvider {
	t.Helper()
	vp, err := NewVaultProvider(cfg)
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultProvider_ResolveWithField(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/myapp/db" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Body(map[string]any{
			"password": "s3cret",
			"username": "admin",
		}))
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "test-token"})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db#password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "s3cret" {
		t.Errorf("Value = %q, want %q", secret.Value, "s3cret")
	}
	if secret.Metadata["source"] != "vault" {
		t.Errorf("source = %q, want %q", secret.Metadata["source"], "vault")
	}
	if secret.Metadata["field"] != "password" {
		t.Errorf("field = %q, want %q", secret.Metadata["field"], "password")
	}
}

func TestVaultProvider_ResolveWithoutField(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(kvV2Body(map[string]any{
			"password": "s3cret",
			"username": "admin",
		}))
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "test-token"})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Without a field selector the whole data map comes back as JSON.
	var data map[string]any
	if err := json.Unmarshal([]byte(secret.Value), &data); err != nil {
		t.Fatalf("Value is not valid JSON: %v", err)
	}
	if data["password"] != "s3cret" || data["username"] != "admin" {
		t.Errorf("data = %v, want both fields present", data)
	}
}

// The resolver path a capability grant takes: symbolic name, configured
// vault:// reference, raw value returned to the host side only.
func TestVaultProvider_ThroughResolver(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/ironclaw/github" {
			http.NotFound(w, r)
			return
		}
		w.Write(kvV2Body(map[string]any{"token": "ghp_example_value"}))
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "test-token"})
	resolver := NewResolver(vp, map[string]string{
		"github_token": "vault://secret/data/ironclaw/github#token",
	})

	value, err := resolver.Lookup(context.Background(), "github_token")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "ghp_example_value" {
		t.Errorf("Lookup = %q, want %q", value, "ghp_example_value")
	}
}

func TestVaultProvider_NonVaultRef(t *testing.T) {
	clearVaultEnv(t)

	vp := newVaultProvider(t, map[string]string{"address": "http://localhost:8200", "token": "test-token"})

	_, err := vp.Resolve(context.Background(), "env://MY_KEY")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestVaultProvider_NotFound(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "test-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestVaultProvider_Forbidden(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "bad-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/app")
	if err == nil {
		t.Fatal("expected error for 403")
	}
	// An auth failure must not look like a missing secret: callers retry
	// those differently.
	if errors.Is(err, ErrSecretNotFound) {
		t.Error("auth failure must not match ErrSecretNotFound")
	}
}

func TestVaultProvider_MissingField(t *testing.T) {
	clearVaultEnv(t)

	srv := newVaultStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write(kvV2Body(map[string]any{"username": "admin"}))
	})

	vp := newVaultProvider(t, map[string]string{"address": srv.URL, "token": "test-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/app#nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound for missing field, got %v", err)
	}
}

func TestVaultProvider_EnvOverride(t *testing.T) {
	srv := newVaultStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Body(map[string]any{"key": "value"}))
	})

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	vp := newVaultProvider(t, map[string]string{
		"address": "http://should-be-overridden:8200",
		"token":   "should-be-overridden",
	})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/test#key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "value" {
		t.Errorf("Value = %q, want %q", secret.Value, "value")
	}
}

func TestVaultProvider_NamespaceHeader(t *testing.T) {
	tests := []struct {
		name         string
		envNamespace string
		cfgNamespace string
		want         string
	}{
		{"from config", "", "admin/team-a", "admin/team-a"},
		{"env wins over config", "env-namespace", "config-namespace", "env-namespace"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotNamespace string
			srv := newVaultStub(t, func(w http.ResponseWriter, r *http.Request) {
				gotNamespace = r.Header.Get("X-Vault-Namespace")
				w.Write(kvV2Body(map[string]any{"k": "v"}))
			})

			t.Setenv("VAULT_ADDR", "")
			t.Setenv("VAULT_TOKEN", "")
			t.Setenv("VAULT_NAMESPACE", tc.envNamespace)

			vp := newVaultProvider(t, map[string]string{
				"address":   srv.URL,
				"token":     "test-token",
				"namespace": tc.cfgNamespace,
			})

			if _, err := vp.Resolve(context.Background(), "vault://secret/data/test#k"); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if gotNamespace != tc.want {
				t.Errorf("namespace header = %q, want %q", gotNamespace, tc.want)
			}
		})
	}
}

func TestNewVaultProvider_MissingSettings(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := NewVaultProvider(map[string]string{"token": "t"}); err == nil {
		t.Error("expected error for missing address")
	}
	if _, err := NewVaultProvider(map[string]string{"address": "http://localhost:8200"}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestVaultProvider_EmptyPath(t *testing.T) {
	clearVaultEnv(t)

	vp := newVaultProvider(t, map[string]string{"address": "http://localhost:8200", "token": "test-token"})

	_, err := vp.Resolve(context.Background(), "vault://")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound for empty path, got %v", err)
	}
}
