package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-dekho/internal/models"
	"options-dekho/pkg/utils"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(zerolog.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

const simulatedConfig = `
[data_source]
mode = "simulated"

[store]
driver = "memory"

[auth]
jwt_secret = "cli-test-jwt-secret-0123"

[security]
encryption_key = "cli-test-encryption-key"

[logging]
console = false
`

func TestVersionJSON(t *testing.T) {
	out, err := runCLI(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("not JSON: %v (%s)", err, out)
	}
	if v["version"] != Version {
		t.Errorf("version = %q, want %q", v["version"], Version)
	}
}

func TestConfigValidateAndShowMasksSecrets(t *testing.T) {
	dir := writeConfig(t, simulatedConfig)

	if _, err := runCLI(t, "config", "validate", "--config", dir); err != nil {
		t.Fatalf("validate: %v", err)
	}

	out, err := runCLI(t, "config", "show", "--json", "--config", dir)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out, "cli-test-jwt-secret-0123") || strings.Contains(out, "cli-test-encryption-key") {
		t.Errorf("secrets leaked in config show:\n%s", out)
	}
}

func TestConfigValidateRejectsBadConfig(t *testing.T) {
	dir := writeConfig(t, `
[data_source]
mode = "paper"
`)
	if _, err := runCLI(t, "config", "validate", "--config", dir); err == nil {
		t.Error("expected validation error for unknown data source mode")
	}
}

func TestLookupRequiresBrokerSession(t *testing.T) {
	dir := writeConfig(t, simulatedConfig)

	out, err := runCLI(t, "lookup", "NIFTY", "24000", "2024-12-26", "--user", "u1", "--config", dir)
	if err == nil {
		t.Fatal("expected an error without a stored broker session")
	}
	if !strings.Contains(out, "log in") {
		t.Errorf("missing re-login hint:\n%s", out)
	}
}

func TestLookupValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing user", []string{"lookup", "NIFTY", "24000", "2024-12-26"}},
		{"bad strike", []string{"lookup", "NIFTY", "abc", "2024-12-26", "--user", "u1"}},
		{"bad expiry", []string{"lookup", "NIFTY", "24000", "26-12-2024", "--user", "u1"}},
		{"zero lots", []string{"lookup", "NIFTY", "24000", "2024-12-26", "--user", "u1", "--lots", "0"}},
		{"too few args", []string{"lookup", "NIFTY", "24000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPrintPremium(t *testing.T) {
	yield := 0.75
	q := models.PremiumQuote{
		Contract: models.ResolvedContract{
			Tradingsymbol: "RELIANCE24D262500PE",
			Exchange:      "NFO",
			Underlying:    "RELIANCE",
			Strike:        2500,
			LotSize:       250,
			Expiry:        "2024-12-26",
			OptionType:    models.OptionTypePut,
		},
		Status:    models.QuoteOK,
		Premium:   &models.Premium{LastPrice: 18.75, LotSize: 250, Lots: 1, TotalPremium: 4687.5, YieldPct: &yield},
		Warnings:  []string{"strike 2520 not listed; using nearest strike 2500"},
		Simulated: true,
	}

	var buf bytes.Buffer
	printPremium(newOutput(&buf, false, false), q)
	out := buf.String()

	for _, want := range []string{"SIMULATED DATA", "RELIANCE24D262500PE", "₹4,687.50", "0.75%", "nearest strike 2500"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("color codes written with color disabled")
	}
}

func TestPrintPremiumNoData(t *testing.T) {
	var buf bytes.Buffer
	printPremium(newOutput(&buf, false, false), models.PremiumQuote{
		Contract: models.ResolvedContract{Tradingsymbol: "TCS24D264000PE", Exchange: "NFO"},
		Status:   models.QuoteNoData,
	})
	if !strings.Contains(buf.String(), "No live price for NFO:TCS24D264000PE") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "SIMULATED") {
		t.Error("live quote flagged as simulated")
	}
}

func TestPrintTokenStatus(t *testing.T) {
	now := time.Date(2024, 12, 20, 10, 0, 0, 0, utils.IndiaLocation)
	expires := time.Date(2024, 12, 21, 6, 0, 0, 0, utils.IndiaLocation)

	var buf bytes.Buffer
	printTokenStatus(newOutput(&buf, false, false), models.TokenStatus{
		State:      models.TokenValid,
		ExpiresAt:  &expires,
		KiteUserID: "AB1234",
	}, now)
	out := buf.String()
	for _, want := range []string{"valid", "AB1234", "21-Dec-2024 06:00 IST", "20h 0m"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printTokenStatus(newOutput(&buf, false, false), models.TokenStatus{State: models.TokenAbsent}, now)
	if !strings.Contains(buf.String(), "No broker session") {
		t.Errorf("absent output:\n%s", buf.String())
	}
}
