// Command issue_token prints a bearer token for the circulation API.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"libraryapi/internal/servicetoken"
)

func main() {
	issuer := flag.String("issuer", "front-desk", "token issuer; must be allowed by the service")
	subject := flag.String("subject", "", "token subject, e.g. a desk or scheduler name")
	ttl := flag.Duration("ttl", servicetoken.DefaultTokenTTL, "token lifetime")
	flag.Parse()

	secret := strings.TrimSpace(os.Getenv("LIBRARY_API_TOKEN_SECRET"))
	if secret == "" {
		exitErr(fmt.Errorf("LIBRARY_API_TOKEN_SECRET is required"))
	}
	token, err := issue(secret, *issuer, *subject, *ttl)
	if err != nil {
		exitErr(err)
	}
	fmt.Println(token)
}

func issue(secret, issuer, subject string, ttl time.Duration) (string, error) {
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		Secret: secret,
		Issuer: issuer,
		TTL:    ttl,
	})
	if err != nil {
		return "", err
	}
	return signer.Sign(subject, servicetoken.Audience)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "issue_token: %v\n", err)
	os.Exit(1)
}
