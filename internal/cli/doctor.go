package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/impetus/internal/audit"
	"github.com/ppiankov/impetus/internal/config"
	"github.com/ppiankov/impetus/internal/server"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	// 1. Binary location and version.
	if execPath, _ := os.Executable(); execPath != "" {
		checks = append(checks, checkResult{
			label:  "impetus binary",
			ok:     true,
			detail: fmt.Sprintf("%s (v%s)", execPath, version),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "impetus binary",
			ok:     false,
			detail: "cannot determine executable path",
		})
	}

	// 2. Config file.
	path := resolvedConfigPath()
	cfg, hash, err := loadConfig()
	switch {
	case err != nil:
		checks = append(checks, checkResult{
			label:  "config",
			ok:     false,
			detail: err.Error(),
			fix:    "fix the YAML or run impetus init --force",
		})
		cfg = config.DefaultConfig()
	default:
		if _, statErr := os.Stat(path); statErr != nil {
			checks = append(checks, checkResult{
				label:  "config",
				ok:     false,
				detail: "missing, using defaults",
				fix:    "impetus init",
			})
		} else {
			checks = append(checks, checkResult{
				label:  "config",
				ok:     true,
				detail: fmt.Sprintf("%s (sha256 %s, mode %s)", path, hash[:12], cfg.ParsedMode()),
			})
		}
	}

	// 3. Storage.
	checks = append(checks, checkDir("breakglass store", breakglassDir(cfg)))
	if cfg.Storage.Journal != "" {
		checks = append(checks, checkDir("journal directory", filepath.Dir(cfg.Storage.Journal)))
	}
	if p := cfg.Storage.AuditLog; p != "" {
		if _, err := os.Stat(p); err != nil {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: "not created yet"})
		} else if r := audit.Verify(p); r.Valid {
			checks = append(checks, checkResult{
				label:  "audit log",
				ok:     true,
				detail: fmt.Sprintf("%d entries, chain intact", r.Lines),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "audit log",
				ok:     false,
				detail: fmt.Sprintf("chain broken at line %d: %s", r.ErrorLine, r.Error),
				fix:    "impetus audit verify",
			})
		}
	}

	// 4. Decision service.
	checks = append(checks, checkHTTPHealth(commandContext(cmd), cfg.Decision.BaseURL))
	if addr := cfg.Service.GRPCListen; addr != "" && addr != "off" {
		ctx, cancel := context.WithTimeout(commandContext(cmd), 2*time.Second)
		status, err := server.Check(ctx, addr)
		cancel()
		if err != nil {
			checks = append(checks, checkResult{
				label:  "grpc health",
				ok:     false,
				detail: err.Error(),
				fix:    "impetus serve",
			})
		} else {
			checks = append(checks, checkResult{
				label:  "grpc health",
				ok:     status == healthpb.HealthCheckResponse_SERVING,
				detail: fmt.Sprintf("%s %s", addr, status),
			})
		}
	}

	// 5. Provider credentials.
	if strings.EqualFold(cfg.Service.Provider, "openai") {
		env := cfg.Service.OpenAI.APIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		checks = append(checks, checkResult{
			label:  "openai key",
			ok:     os.Getenv(env) != "",
			detail: "$" + env,
			fix:    "export " + env + "=...",
		})
	}

	// Print results.
	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	if hasFailures {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func checkDir(label, dir string) checkResult {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return checkResult{label: label, ok: true, detail: dir}
	}
	return checkResult{label: label, ok: false, detail: dir + " missing", fix: "impetus init"}
}

func checkHTTPHealth(ctx context.Context, baseURL string) checkResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return checkResult{label: "decision service", ok: false, detail: err.Error(), fix: "check decision.base_url"}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkResult{label: "decision service", ok: false, detail: "unreachable at " + baseURL, fix: "impetus serve"}
	}
	defer resp.Body.Close()

	var body struct {
		Status   string `json:"status"`
		Provider string `json:"provider"`
		Contract string `json:"contract_version"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return checkResult{label: "decision service", ok: false, detail: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	}
	return checkResult{
		label:  "decision service",
		ok:     true,
		detail: fmt.Sprintf("%s (%s, provider %s, contract %s)", baseURL, body.Status, body.Provider, body.Contract),
	}
}
