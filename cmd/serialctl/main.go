// Command serialctl is the operator tool for serialhub: it generates signing
// keys, issues admin tokens and encodes or inspects serials offline.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"serialhub/internal/config"
	"serialhub/internal/security"
	"serialhub/internal/serial"
)

const usage = `usage: serialctl <command> [flags]

commands:
  keygen         generate an Ed25519 signing key
  admin-token    issue an admin bearer token
  encode         build a serial from its fields
  decode         show the fields of a serial
  verify-offline check an offline activation token
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "keygen":
		err = keygen(args[1:], stdout)
	case "admin-token":
		err = adminToken(args[1:], stdout)
	case "encode":
		err = encode(args[1:], stdout)
	case "decode":
		err = decode(args[1:], stdout)
	case "verify-offline":
		err = verifyOffline(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "serialctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "write the private key PEM to this file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := security.GenerateSigningKey()
	if err != nil {
		return err
	}
	privPEM, err := security.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pub := key.Public().(ed25519.PublicKey)
	pubPEM, err := security.MarshalPublicKeyPEM(pub)
	if err != nil {
		return err
	}

	if *out == "" {
		fmt.Fprintf(stdout, "%s", privPEM)
	} else if err := os.WriteFile(*out, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fmt.Fprintf(stdout, "key id: %s\n%s", security.KeyID(pub), pubPEM)
	return nil
}

func adminToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator the token is issued to")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	secretFile := fs.String("secret-file", "", "file holding the admin token secret")
	issuer := fs.String("issuer", "serialhub", "token issuer, must match the server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret, err := security.LoadAdminSecret(config.AuthConfig{
		AdminTokenSecret:     os.Getenv(config.EnvPrefix + "_AUTH_ADMIN_TOKEN_SECRET"),
		AdminTokenSecretFile: *secretFile,
	})
	if err != nil {
		return err
	}
	authority, err := security.NewAdminTokenAuthority(secret, *issuer)
	if err != nil {
		return err
	}
	token, err := authority.Issue(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func encode(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	client := fs.Int("client", 0, "client number")
	maxUsage := fs.Int("max-usage", 0, "activation ceiling, 0 for unlimited")
	expires := fs.String("expires", "never", "expiration date YYYY-MM-DD or never")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := serial.Payload{MaxUsageCount: *maxUsage, ClientNumber: *client}
	if strings.EqualFold(*expires, "never") {
		p.NeverExpires = true
	} else {
		t, err := time.ParseInLocation("2006-01-02", *expires, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid -expires: %w", err)
		}
		p.Expiration = t
	}

	b, err := serial.Encode(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, serial.Render(b))
	return nil
}

type decoded struct {
	Serial        string `json:"serial"`
	ClientNumber  int    `json:"client_number"`
	MaxUsageCount int    `json:"max_usage_count"`
	Expiration    string `json:"expiration,omitempty"`
	NeverExpires  bool   `json:"never_expires"`
	Demo          bool   `json:"demo"`
	Expired       bool   `json:"expired"`
}

func decode(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected exactly one serial")
	}

	b, err := serial.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	p, err := serial.Decode(b[:])
	if err != nil {
		return err
	}

	out := decoded{
		Serial:        serial.Render(b),
		ClientNumber:  p.ClientNumber,
		MaxUsageCount: p.MaxUsageCount,
		NeverExpires:  p.NeverExpires,
		Demo:          p.IsDemo(),
		Expired:       p.IsExpired(time.Now()),
	}
	if !p.Expiration.IsZero() {
		out.Expiration = p.Expiration.Format("2006-01-02")
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func verifyOffline(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("verify-offline", flag.ContinueOnError)
	pubFile := fs.String("pubkey", "", "public key PEM from GET /api/v1/keys/signing")
	issuer := fs.String("issuer", "serialhub", "expected token issuer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubFile == "" || fs.NArg() != 1 {
		return errors.New("usage: verify-offline -pubkey key.pem <token>")
	}

	raw, err := os.ReadFile(*pubFile)
	if err != nil {
		return err
	}
	pub, err := security.ParsePublicKeyPEM(raw)
	if err != nil {
		return err
	}
	claims, err := security.ParseOfflineToken(fs.Arg(0), pub, *issuer)
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
