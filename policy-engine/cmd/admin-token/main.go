package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// admin-token writes an RSA key pair for local use and mints an operator token
// signed with it. Point POLICY_ENGINE_JWT_KEYS_FILE at the public key.
func main() {
	issuer := flag.String("issuer", "reelhouse-admin", "token issuer (iss)")
	subject := flag.String("sub", "operator@localhost", "token subject (sub)")
	roles := flag.String("roles", "policy:read,policy:write,policy:promote", "comma-separated roles")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	keyOut := flag.String("key-out", "devops/certs/policy-engine.key", "private key output path")
	pubOut := flag.String("pub-out", "devops/certs/policy-engine.pub", "public key output path")
	tokenOut := flag.String("token-out", "", "token output path (stdout when empty)")
	flag.Parse()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	must(err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	must(err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)

	must(writePEM(*keyOut, "PRIVATE KEY", privDER, 0o600))
	must(writePEM(*pubOut, "PUBLIC KEY", pubDER, 0o644))
	fmt.Fprintf(os.Stderr, "wrote key pair -> %s, %s\n", *keyOut, *pubOut)

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   *issuer,
		"sub":   *subject,
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(*ttl).Unix(),
		"roles": roleList,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	must(err)

	if *tokenOut == "" {
		fmt.Println(token)
		return
	}
	must(os.MkdirAll(filepath.Dir(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Fprintf(os.Stderr, "wrote token -> %s\n", *tokenOut)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm)
}
