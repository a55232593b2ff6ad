package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/chatloom/internal/config"
)

func TestApplyAnswersAndSecretEnv(t *testing.T) {
	a := onboardAnswers{
		Provider:     "groq",
		APIKey:       "gsk-123",
		Channels:     []string{"discord", "web"},
		DiscordToken: "dc-token",
		Driver:       "postgres",
		PostgresDSN:  "postgres://u:p@h/db",
	}
	cfg := config.Default()
	applyAnswers(cfg, a)

	if cfg.Providers.Default != "groq" || cfg.Providers.Groq.APIKey != "gsk-123" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if !cfg.Channels.Discord.Enabled || cfg.Channels.Telegram.Enabled || !cfg.Channels.Web.Enabled {
		t.Errorf("channels = %+v", cfg.Channels)
	}

	got := map[string]string{}
	for _, kv := range secretEnv(a) {
		got[kv[0]] = kv[1]
	}
	want := map[string]string{
		"CHATLOOM_PROVIDER":      "groq",
		"CHATLOOM_GROQ_API_KEY":  "gsk-123",
		"CHATLOOM_DISCORD_TOKEN": "dc-token",
		"CHATLOOM_POSTGRES_DSN":  "postgres://u:p@h/db",
	}
	if len(got) != len(want) {
		t.Fatalf("env = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestWriteEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.local")
	if err := writeEnvFile(path, [][2]string{{"CHATLOOM_OPENAI_API_KEY", "it's"}}); err != nil {
		t.Fatalf("writeEnvFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `export CHATLOOM_OPENAI_API_KEY='it'\''s'`) {
		t.Errorf("env file = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestDetectProvider(t *testing.T) {
	cfg := config.Default()
	if got := detectProvider(cfg); got != "" {
		t.Errorf("detectProvider(empty) = %q", got)
	}
	cfg.Providers.OpenAI.APIKey = "sk"
	cfg.Providers.Anthropic.APIKey = "sk-ant"
	if got := detectProvider(cfg); got != "anthropic" {
		t.Errorf("detectProvider = %q, want anthropic (priority order)", got)
	}
}

func TestAutoOnboardWritesConfigWithoutSecrets(t *testing.T) {
	t.Setenv("CHATLOOM_MISTRAL_API_KEY", "mistral-secret")
	t.Setenv("CHATLOOM_PROVIDER", "")
	t.Setenv("CHATLOOM_DB_DRIVER", "")
	t.Setenv("CHATLOOM_POSTGRES_DSN", "")

	path := filepath.Join(t.TempDir(), "config.json5")
	if err := runAutoOnboard(path); err != nil {
		t.Fatalf("runAutoOnboard: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "mistral-secret") {
		t.Error("api key written to config")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Default != "mistral" {
		t.Errorf("default provider = %q, want mistral", cfg.Providers.Default)
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("sk-1234567890abcd"); got != "sk-1*********abcd" {
		t.Errorf("maskKey = %q", got)
	}
	if got := maskKey("short"); got != "*****" {
		t.Errorf("maskKey(short) = %q", got)
	}
}
