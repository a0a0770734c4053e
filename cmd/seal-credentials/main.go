// Package main seals plaintext secrets in the credential document.
//
// Access tokens, refresh tokens, client secrets and cookies written by older
// builds or by hand are rewritten in sealed ENC: form with the process key.
//
// Usage:
//
//	seal-credentials [--dry-run] [--file PATH]
//
// Flags:
//
//	--dry-run: list the plaintext fields without changing the document
//	--file: credential document (default: CHATMUX_CREDENTIALS_FILE or <config dir>/config.yaml)
//
// Environment Variables:
//
//	ENCRYPTION_KEY: base64 32-byte key; else CHATMUX_KEY_FILE is used (created if absent)
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chatmux/config"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/crypto"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "List plaintext fields without changing the document")
	file := flag.String("file", "", "Credential document path")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	path := cfg.CredentialsFile
	if *file != "" {
		path = *file
	}

	var sealer crypto.Sealer = crypto.NopSealer{}
	if !*dryRun {
		sealer = crypto.SealerFor(cfg.EncryptionKey, cfg.KeyFile)
	}
	store, err := credentials.Open(path, sealer)
	if err != nil {
		slog.Error("failed to open credential document", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(store, *dryRun); err != nil {
		slog.Error("sealing failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(store *credentials.Store, dryRun bool) error {
	fields := store.PlaintextFields()
	if len(fields) == 0 {
		slog.Info("no plaintext secrets found", slog.String("path", store.Path()))
		return nil
	}
	slog.Info("found plaintext secrets", slog.Int("count", len(fields)), slog.Bool("dry_run", dryRun))

	if dryRun {
		for i, f := range fields {
			slog.Info("would seal field (dry-run)",
				slog.String("platform", string(f.Platform)),
				slog.String("key", f.Key),
				slog.Int("index", i+1),
				slog.Int("total", len(fields)))
		}
		return nil
	}

	sealed, err := store.SealPlaintext()
	for _, f := range sealed {
		slog.Info("sealed field", slog.String("platform", string(f.Platform)), slog.String("key", f.Key))
	}
	slog.Info("sealing summary",
		slog.Int("total", len(fields)),
		slog.Int("sealed", len(sealed)))
	if err != nil {
		return fmt.Errorf("sealed %d of %d fields: %w", len(sealed), len(fields), err)
	}
	return nil
}
