package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mizan-labs/idis/pkg/keyring"
	"github.com/mizan-labs/idis/pkg/security"
)

const version = "0.3.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	// .env carries local credentials in development; production reads the
	// real environment only.
	if os.Getenv("IDIS_ENV") != "production" {
		_ = godotenv.Load()
	}

	if len(args) < 2 {
		// Default to server
		startServer(false)
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer(hasFlag(args[2:], "--lite"))
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "breakglass":
		return runBreakGlassCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "idis %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer(hasFlag(args[1:], "--lite"))
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sIDIS %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sEvery fact has a chain. Every chain gets a grade.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  idis <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the IDIS server (default; --lite forces in-memory mode)")
	printCommand(w, "health", "Check server health (HTTP)")
	printCommand(w, "migrate", "Apply the Postgres schema and RLS policies")

	printSection(w, "SECURITY")
	printCommand(w, "breakglass", "Mint a break-glass override token")
	printCommand(w, "keygen", "Generate a master key seed for IDIS_MASTER_KEY_SEED")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// runBreakGlassCmd mints an override token from IDIS_BREAK_GLASS_SECRET.
// Issuance is offline: no server round trip, no audit event. The CRITICAL
// break_glass.used event is emitted by the server when the token is spent.
func runBreakGlassCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("breakglass", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actorID       string
		tenantID      string
		dealID        string
		justification string
		ttl           time.Duration
		jsonOutput    bool
	)
	cmd.StringVar(&actorID, "actor", "", "Actor ID the token is bound to (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID the token is bound to (REQUIRED)")
	cmd.StringVar(&dealID, "deal", "", "Deal ID to scope the token to (empty = whole tenant)")
	cmd.StringVar(&justification, "justification", "", "Why the override is needed, at least 20 characters (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime, at most 1h")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if actorID == "" || tenantID == "" || justification == "" {
		fmt.Fprintln(stderr, "Error: --actor, --tenant, and --justification are required")
		cmd.Usage()
		return 2
	}

	secret := os.Getenv("IDIS_BREAK_GLASS_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "Error: IDIS_BREAK_GLASS_SECRET is not set; break-glass issuance is disabled")
		return 1
	}

	keys, err := breakGlassKeyring(secret)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := security.NewBreakGlass(keys, nil, nil).Issue(actorID, tenantID, dealID, justification, ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		result := map[string]any{
			"token":      token,
			"actor_id":   actorID,
			"tenant_id":  tenantID,
			"expires_in": ttl.String(),
		}
		if dealID != "" {
			result["deal_id"] = dealID
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%sBreak-glass token issued%s (expires in %s)\n", ColorBold+ColorYellow, ColorReset, ttl)
		fmt.Fprintf(stdout, "  Send as X-IDIS-Break-Glass:\n\n%s\n", token)
	}
	return 0
}

// breakGlassKeyring derives the break-glass keyring from the shared secret.
// The server derives the same keyring in wireSecurity, so tokens minted here
// verify there.
func breakGlassKeyring(secret string) (*keyring.Keyring, error) {
	seed := sha256.Sum256([]byte(secret))
	return keyring.New(seed[:])
}

// runKeygenCmd prints a fresh master seed. Operators put it in
// IDIS_MASTER_KEY_SEED; lite mode can also persist one under data/.
func runKeygenCmd(stdout, errOut io.Writer) int {
	seed, err := randomSeed()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "IDIS_MASTER_KEY_SEED=%s\n", hex.EncodeToString(seed))
	return 0
}
