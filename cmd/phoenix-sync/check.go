package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
	"github.com/phoenix-apps/phoenix-sync/internal/config"
	"github.com/phoenix-apps/phoenix-sync/internal/ledger"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check remote session and energy state interactively",
	Long:  `Check what the remote session authority and energy ledger currently report.`,
}

var (
	checkAuthEmail     string
	checkAuthPassword  string
	checkConsumeAction string
	checkConsumeCost   int
)

var checkAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Check session resolution",
	Long: `Resolve the session against the remote authority and show the result.

With --email the command exercises the full round trip instead: it logs in,
resolves the freshly established session, and logs out again. The password
comes from --password or is prompted on stdin.`,
	Example: `  phoenix-sync -c config.yaml check auth
  phoenix-sync -c config.yaml check auth --email admin@example.com`,
	RunE: runCheckAuth,
}

var checkEnergyCmd = &cobra.Command{
	Use:   "energy USER_ID",
	Short: "Check energy balance",
	Long: `Query the remote energy ledger for a user's current balance.

With --consume the command also charges the given action after the check and
shows the balance the ledger settled on.`,
	Example: `  phoenix-sync -c config.yaml check energy 7d9e1f2a
  phoenix-sync -c config.yaml check energy 7d9e1f2a --consume generate --cost 5`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckEnergy,
}

func init() {
	checkAuthCmd.Flags().StringVar(&checkAuthEmail, "email", "", "log in with this email and run the full login/whoami/logout flow")
	checkAuthCmd.Flags().StringVar(&checkAuthPassword, "password", "", "password for --email (prompted on stdin when omitted)")
	checkEnergyCmd.Flags().StringVar(&checkConsumeAction, "consume", "", "charge this action after the balance check")
	checkEnergyCmd.Flags().IntVar(&checkConsumeCost, "cost", 1, "cost charged with --consume")
	checkCmd.AddCommand(checkAuthCmd)
	checkCmd.AddCommand(checkEnergyCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckAuth(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	httpClient, err := authority.NewHTTPClient(parseDuration(cfg.Remote.Timeout, 10*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	client, err := authority.NewClient(cfg.Remote.BaseURL, httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create authority client: %w", err)
	}

	if checkAuthEmail == "" {
		sess, err := client.CurrentUser(cmd.Context())
		if err != nil {
			return fmt.Errorf("session resolution failed: %w", err)
		}
		printAuthResult(cfg.Remote.BaseURL, sess)
		return nil
	}

	password := checkAuthPassword
	if password == "" {
		if password, err = readPassword(); err != nil {
			return err
		}
	}

	return runAuthFlow(cmd, client, cfg.Remote.BaseURL, checkAuthEmail, password)
}

// runAuthFlow logs in, resolves the fresh session, and logs out again,
// reporting each step.
func runAuthFlow(cmd *cobra.Command, client *authority.Client, baseURL, email, password string) error {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SESSION FLOW CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Authority:  %s\n", baseURL)
	fmt.Printf("Email:      %s\n", email)
	fmt.Println()

	cyan.Print("Login:      ")
	sess, err := client.Login(cmd.Context(), email, password)
	if err != nil {
		red.Println("FAILED")
		fmt.Printf("            → %v\n", err)
		printFlowFooter(cyan, false)
		if authority.IsAuthenticationError(err) {
			return nil
		}
		return fmt.Errorf("login failed: %w", err)
	}
	green.Println("OK")
	fmt.Printf("            → user %s, tier %s\n", sess.UserID, sess.Tier)

	ok := true

	cyan.Print("Whoami:     ")
	current, err := client.CurrentUser(cmd.Context())
	switch {
	case err != nil:
		red.Println("FAILED")
		fmt.Printf("            → %v\n", err)
		ok = false
	case current == nil:
		red.Println("FAILED")
		fmt.Println("            → Authority does not see the session it just issued")
		ok = false
	case current.UserID != sess.UserID:
		red.Println("FAILED")
		fmt.Printf("            → Session resolves to %s, expected %s\n", current.UserID, sess.UserID)
		ok = false
	default:
		green.Println("OK")
		fmt.Printf("            → Session resolves to %s\n", current.UserID)
	}

	cyan.Print("Logout:     ")
	if err := client.Logout(cmd.Context()); err != nil {
		red.Println("FAILED")
		fmt.Printf("            → %v\n", err)
		ok = false
	} else {
		green.Println("OK")
	}

	printFlowFooter(cyan, ok)
	return nil
}

func printFlowFooter(cyan *color.Color, ok bool) {
	fmt.Println()
	cyan.Print("Result:     ")
	if ok {
		color.New(color.FgGreen, color.Bold).Println("PASS")
	} else {
		color.New(color.FgRed, color.Bold).Println("FAIL")
	}
	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// readPassword prompts on the terminal without echo, or reads a line when
// stdin is piped.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runCheckEnergy(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	httpClient, err := authority.NewHTTPClient(parseDuration(cfg.Remote.Timeout, 10*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	client, err := ledger.NewClient(cfg.Remote.BaseURL, httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	status, err := client.Check(cmd.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionExpired) {
			printExpiredResult(userID)
			return nil
		}
		return fmt.Errorf("energy check failed: %w", err)
	}

	var consumed *ledger.Status
	var consumeErr error
	if checkConsumeAction != "" {
		consumed, consumeErr = client.Consume(cmd.Context(), userID, checkConsumeAction, checkConsumeCost)
	}

	printEnergyResult(userID, status, consumed, consumeErr)
	if consumeErr != nil && !errors.Is(consumeErr, ledger.ErrInsufficientEnergy) {
		return fmt.Errorf("energy consume failed: %w", consumeErr)
	}
	return nil
}

// printAuthResult prints the session check result with colors
func printAuthResult(baseURL string, sess *authority.Session) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SESSION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Authority:  %s\n", baseURL)
	fmt.Println()

	cyan.Print("Result:     ")
	if sess == nil {
		yellow.Println("UNAUTHENTICATED")
		fmt.Println("            → No valid session cookie is stored")
		fmt.Println("            → Sign in to establish a session")
	} else {
		green.Println("AUTHENTICATED")
		fmt.Printf("User ID:    %s\n", sess.UserID)
		fmt.Printf("Email:      %s\n", sess.Email)
		if sess.DisplayName != "" {
			fmt.Printf("Name:       %s\n", sess.DisplayName)
		}
		fmt.Printf("Tier:       %s\n", sess.Tier)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// printEnergyResult prints the energy check result with colors
func printEnergyResult(userID string, status *ledger.Status, consumed *ledger.Status, consumeErr error) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("ENERGY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User ID:    %s\n", userID)
	fmt.Println()

	cyan.Print("Balance:    ")
	switch {
	case status.Unlimited:
		green.Println("UNLIMITED")
		fmt.Println("            → Charges are recorded but the balance never runs out")
	case status.Balance == ledger.MinBalance:
		red.Printf("%d / %d\n", status.Balance, ledger.MaxBalance)
		fmt.Println("            → Energy exhausted, charges will be declined")
	default:
		green.Printf("%d / %d\n", status.Balance, ledger.MaxBalance)
	}

	if checkConsumeAction != "" {
		fmt.Println()
		cyan.Print("Consume:    ")
		switch {
		case errors.Is(consumeErr, ledger.ErrInsufficientEnergy):
			red.Println("DECLINED")
			fmt.Printf("            → Not enough energy for %q at cost %d\n", checkConsumeAction, checkConsumeCost)
		case consumeErr != nil:
			red.Println("FAILED")
			fmt.Printf("            → %v\n", consumeErr)
		case consumed.Unlimited:
			green.Println("ACCEPTED")
			fmt.Printf("            → %q recorded, balance stays unlimited\n", checkConsumeAction)
		default:
			green.Println("ACCEPTED")
			fmt.Printf("            → %q charged %d, balance now %d / %d\n",
				checkConsumeAction, checkConsumeCost, consumed.Balance, ledger.MaxBalance)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// printExpiredResult prints the expired-session result with colors
func printExpiredResult(userID string) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("ENERGY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User ID:    %s\n", userID)
	fmt.Println()

	cyan.Print("Result:     ")
	red.Println("SESSION EXPIRED")
	fmt.Println("            → The ledger rejected the stored credential")
	fmt.Println("            → Sign in again and retry")

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
