// Command acquire is the administration CLI. It sets services up, manages
// their trusted peers and key audits against the object store directly, and
// drives user registration and login against a running identity service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"acquire/internal/config"
	"acquire/internal/domain"
	"acquire/internal/envelope"
	"acquire/internal/identity"
	"acquire/internal/infra/crypto"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "acquire",
	Short:        "Administer acquire services",
	SilenceUsage: true,
}

// loadService opens the object store named by the environment and unlocks
// the service context stored in it. The service password comes from
// SERVICE_PASSWORD or, failing that, an interactive prompt.
func loadService(ctx context.Context) (*service.Context, config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, config.Config{}, err
	}
	store, err := objstore.NewFromConfig(ctx, cfg.Store)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("opening object store: %w", err)
	}
	password := cfg.ServicePassword
	if password == "" {
		password, err = promptPassword("Service password: ")
		if err != nil {
			return nil, config.Config{}, err
		}
	}
	svc, err := service.Load(ctx, store, cfg.BucketName, password)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading service: %w", err)
	}
	cfg.ServicePassword = password
	return svc, cfg, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// setup command

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Initialise a new service in the object store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		if cfg.ServiceURL == "" || cfg.ServiceType == "" {
			return fmt.Errorf("SERVICE_URL and SERVICE_TYPE must be set")
		}
		password := cfg.ServicePassword
		if password == "" {
			password, err = promptPassword("New service password: ")
			if err != nil {
				return err
			}
			again, err := promptPassword("Repeat service password: ")
			if err != nil {
				return err
			}
			if password != again {
				return fmt.Errorf("passwords do not match")
			}
		}

		store, err := objstore.NewFromConfig(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("opening object store: %w", err)
		}
		svc, err := service.Setup(ctx, store, cfg.BucketName, cfg.ServiceURL,
			domain.ServiceType(cfg.ServiceType), password, cfg.KeyUpdateInterval())
		if err != nil {
			return fmt.Errorf("setting up service: %w", err)
		}

		fmt.Printf("Service UID:  %s\n", svc.UID)
		fmt.Printf("Service type: %s\n", svc.Type)
		fmt.Printf("URL:          %s\n", svc.CanonicalURL)
		return nil
	},
}

// record commands

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Inspect and fetch service records",
}

var recordShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this service's signed record",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := loadService(cmd.Context())
		if err != nil {
			return err
		}
		rec, err := svc.Record()
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var recordFetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch and verify a remote service's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		rec, err := fetchRecord(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if output != "" {
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Record for %s (%s) written to %s\n", rec.UID, rec.ServiceType, output)
			return nil
		}
		return printJSON(rec)
	},
}

// fetchRecord pulls the record over plain HTTP and checks its self
// signature, so no prior key material is needed.
func fetchRecord(ctx context.Context, serviceURL string) (*domain.ServiceRecord, error) {
	url := strings.TrimRight(serviceURL, "/") + "/record"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching record: %s returned %s", url, resp.Status)
	}
	var rec domain.ServiceRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if err := service.VerifyRecord(&rec); err != nil {
		return nil, fmt.Errorf("record failed verification: %w", err)
	}
	return &rec, nil
}

// loadRecordArg reads a peer record from a file, or fetches it when the
// argument looks like a URL.
func loadRecordArg(ctx context.Context, arg string) (*domain.ServiceRecord, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return fetchRecord(ctx, arg)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, err
	}
	var rec domain.ServiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record file %s: %w", arg, err)
	}
	return &rec, nil
}

// trust commands

var trustCmd = &cobra.Command{
	Use:   "trust RECORD",
	Short: "Trust a peer service from its record file or URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, _, err := loadService(ctx)
		if err != nil {
			return err
		}
		rec, err := loadRecordArg(ctx, args[0])
		if err != nil {
			return err
		}
		if err := svc.TrustService(ctx, rec, nil, nil); err != nil {
			return fmt.Errorf("trusting %s: %w", rec.UID, err)
		}
		fmt.Printf("Trusted %s (%s) at %s\n", rec.UID, rec.ServiceType, rec.CanonicalURL)
		return nil
	},
}

var untrustCmd = &cobra.Command{
	Use:   "untrust UID",
	Short: "Remove a peer service from the trust table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, _, err := loadService(ctx)
		if err != nil {
			return err
		}
		if err := svc.UntrustService(ctx, args[0], nil, nil); err != nil {
			return fmt.Errorf("untrusting %s: %w", args[0], err)
		}
		fmt.Printf("Untrusted %s\n", args[0])
		return nil
	},
}

// keys commands

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage service keys",
}

var keysDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Export all held keys for audit",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := loadService(cmd.Context())
		if err != nil {
			return err
		}
		dump, err := svc.DumpKeys()
		if err != nil {
			return err
		}
		return printJSON(dump)
	},
}

var keysRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the service keys if the update interval has elapsed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, cfg, err := loadService(ctx)
		if err != nil {
			return err
		}
		rotated, err := svc.RefreshKeys(ctx, cfg.ServicePassword)
		if err != nil {
			return err
		}
		if rotated {
			fmt.Println("Keys rotated")
		} else {
			fmt.Println("Keys still current, nothing rotated")
		}
		return nil
	},
}

// user commands

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Register and log in at an identity service",
}

// anonCall packs an anonymous envelope for the service described by rec and
// opens the signed response into out.
func anonCall(ctx context.Context, rec *domain.ServiceRecord, args map[string]any, out any) error {
	keys, err := service.RecordKeys(rec)
	if err != nil {
		return err
	}
	certs, err := service.RecordCerts(rec)
	if err != nil {
		return err
	}
	req, responseKey, err := envelope.Pack(args, keys[0], nil, true)
	if err != nil {
		return err
	}
	resp, err := envelope.NewClient(30 * time.Second).Post(ctx, rec.CanonicalURL, req)
	if err != nil {
		return err
	}
	return envelope.OpenResponse(resp, responseKey, certs[0], out)
}

var userRegisterCmd = &cobra.Command{
	Use:   "register USERNAME",
	Short: "Register a user at an identity service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		idURL, _ := cmd.Flags().GetString("identity")
		rec, err := fetchRecord(ctx, idURL)
		if err != nil {
			return err
		}
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		again, err := promptPassword("Repeat password: ")
		if err != nil {
			return err
		}
		if password != again {
			return fmt.Errorf("passwords do not match")
		}

		var result identity.RegisterResult
		err = anonCall(ctx, rec, map[string]any{
			"function": "register",
			"username": args[0],
			"password": password,
		}, &result)
		if err != nil {
			return err
		}

		fmt.Printf("User UID:   %s\n", result.UserUID)
		fmt.Printf("OTP secret: %s\n", result.OTPSecret)
		fmt.Printf("Enrol URI:  %s\n", result.ProvisioningURI)
		fmt.Println("Store the OTP secret now; it is never shown again.")
		return nil
	},
}

var userLoginCmd = &cobra.Command{
	Use:   "login USERNAME",
	Short: "Open a session and save its signing certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("a username is required")
		}
		ctx := cmd.Context()
		idURL, _ := cmd.Flags().GetString("identity")
		certFile, _ := cmd.Flags().GetString("cert-file")
		rec, err := fetchRecord(ctx, idURL)
		if err != nil {
			return err
		}

		// The session holds two fresh keypairs: one for the service to
		// encrypt to, one whose public half becomes the session cert.
		sessionKey, err := crypto.GeneratePrivateKey()
		if err != nil {
			return err
		}
		sessionCert, err := crypto.GeneratePrivateKey()
		if err != nil {
			return err
		}
		keyPEM, err := sessionKey.PublicKey().PEM()
		if err != nil {
			return err
		}
		certPEM, err := sessionCert.PublicKey().PEM()
		if err != nil {
			return err
		}
		hostname, _ := os.Hostname()

		var challenge identity.LoginChallenge
		err = anonCall(ctx, rec, map[string]any{
			"function":    "request_login",
			"username":    args[0],
			"public_key":  keyPEM,
			"public_cert": certPEM,
			"hostname":    hostname,
		}, &challenge)
		if err != nil {
			return err
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		otp, err := promptLine("OTP code: ")
		if err != nil {
			return err
		}

		creds := identity.Package(rec.UID, challenge.ShortUID, args[0], password, otp, "", false)
		var result identity.LoginResult
		err = anonCall(ctx, rec, map[string]any{
			"function":        "login",
			"short_uid":       creds.ShortUID,
			"username":        creds.Username,
			"password":        creds.Password,
			"otpcode":         creds.OTPCode,
			"device_uid":      creds.DeviceUID,
			"remember_device": creds.RememberDevice,
		}, &result)
		if err != nil {
			return err
		}

		if certFile != "" {
			passphrase, err := promptPassword("Certificate passphrase: ")
			if err != nil {
				return err
			}
			wrapped, err := sessionCert.EncryptedPEM(passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(certFile, wrapped, 0o600); err != nil {
				return err
			}
			fmt.Printf("Session certificate written to %s\n", certFile)
		}

		fmt.Printf("User UID:    %s\n", result.UserUID)
		fmt.Printf("Session UID: %s\n", result.SessionUID)
		return nil
	},
}

var userStatusCmd = &cobra.Command{
	Use:   "status USERNAME SESSION_UID",
	Short: "Check a session's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		idURL, _ := cmd.Flags().GetString("identity")
		rec, err := fetchRecord(ctx, idURL)
		if err != nil {
			return err
		}
		var out struct {
			Status string `json:"status"`
		}
		err = anonCall(ctx, rec, map[string]any{
			"function":    "get_status",
			"username":    args[0],
			"session_uid": args[1],
		}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.Status)
		return nil
	},
}

var userLogoutCmd = &cobra.Command{
	Use:   "logout USERNAME SESSION_UID",
	Short: "Close a session, proving possession of its certificate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		idURL, _ := cmd.Flags().GetString("identity")
		certFile, _ := cmd.Flags().GetString("cert-file")
		if certFile == "" {
			return fmt.Errorf("--cert-file is required to sign the logout")
		}
		rec, err := fetchRecord(ctx, idURL)
		if err != nil {
			return err
		}
		wrapped, err := os.ReadFile(certFile)
		if err != nil {
			return err
		}
		passphrase, err := promptPassword("Certificate passphrase: ")
		if err != nil {
			return err
		}
		cert, err := crypto.PrivateKeyFromEncryptedPEM(wrapped, passphrase)
		if err != nil {
			return fmt.Errorf("opening session certificate: %w", err)
		}
		signature, err := cert.Sign([]byte(identity.LogoutMessage(args[1])))
		if err != nil {
			return err
		}
		var out struct {
			Status string `json:"status"`
		}
		err = anonCall(ctx, rec, map[string]any{
			"function":    "logout",
			"username":    args[0],
			"session_uid": args[1],
			"signature":   signature,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.Status)
		return nil
	},
}

func init() {
	recordCmd.AddCommand(recordShowCmd)
	recordCmd.AddCommand(recordFetchCmd)
	recordFetchCmd.Flags().StringP("output", "o", "", "Write the record to a file")

	keysCmd.AddCommand(keysDumpCmd)
	keysCmd.AddCommand(keysRefreshCmd)

	userCmd.PersistentFlags().String("identity", "http://localhost:8080", "Identity service URL")
	userLoginCmd.Flags().String("cert-file", "", "Write the wrapped session certificate here")
	userLogoutCmd.Flags().String("cert-file", "", "Wrapped session certificate to sign with")
	userCmd.AddCommand(userRegisterCmd)
	userCmd.AddCommand(userLoginCmd)
	userCmd.AddCommand(userStatusCmd)
	userCmd.AddCommand(userLogoutCmd)

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(untrustCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(userCmd)
}
