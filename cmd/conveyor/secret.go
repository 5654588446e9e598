// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/conveyor/cmd/conveyor/cli"
	"github.com/bureau-foundation/conveyor/lib/config"
	"github.com/bureau-foundation/conveyor/lib/sealed"
)

// maxSecretSize bounds a secret read from stdin.
const maxSecretSize = 1 << 20

func (a *app) secretCommand() *cli.Command {
	var configPath string
	configFlags := func(name string) *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&configPath, "config", "", "server config whose secrets section is used (default: $CONVEYOR_CONFIG, then built-in paths)")
		return flagSet
	}

	var force bool
	keygen := &cli.Command{
		Name:    "keygen",
		Summary: "Create the server's secrets identity",
		Usage:   "conveyor secret keygen [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := configFlags("keygen")
			flagSet.BoolVar(&force, "force", false, "replace an existing identity; secrets sealed to it become unreadable")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args); err != nil {
				return err
			}
			cfg, err := secretsConfig(configPath)
			if err != nil {
				return err
			}
			publicKey, err := generateIdentity(cfg.Secrets.IdentityFile, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "identity written to %s\n", cfg.Secrets.IdentityFile)
			fmt.Fprintln(a.stdout, publicKey)
			return nil
		},
	}

	var recipient string
	seal := &cli.Command{
		Name:    "seal",
		Summary: "Seal a secret value",
		Description: "Read a secret value from stdin and seal it. Without --recipient the value is\n" +
			"written to the local server's secrets directory. With --recipient the sealed\n" +
			"value is printed, to be saved on the server as <directory>/<name>.age.",
		Usage: "conveyor secret seal <name> [flags]",
		Examples: []cli.Example{
			{Description: "Seal a deploy key on the server host", Command: "conveyor secret seal DEPLOY_KEY < deploy.key"},
			{Description: "Seal for a remote server", Command: "conveyor secret seal DEPLOY_KEY --recipient age1... > DEPLOY_KEY.age"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := configFlags("seal")
			flagSet.StringVar(&recipient, "recipient", "", "age public key to seal to instead of the local identity")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "name"); err != nil {
				return err
			}
			plaintext, err := a.readSecret(args[0])
			if err != nil {
				return err
			}
			if recipient != "" {
				if err := sealed.ParsePublicKey(recipient); err != nil {
					return err
				}
				ciphertext, err := sealed.Encrypt(plaintext, []string{recipient})
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, ciphertext)
				return nil
			}
			cfg, err := secretsConfig(configPath)
			if err != nil {
				return err
			}
			store, err := sealed.OpenStore(cfg.Secrets.Directory, cfg.Secrets.IdentityFile)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Secrets.Directory, 0o700); err != nil {
				return fmt.Errorf("creating secrets directory: %w", err)
			}
			if err := store.Seal(args[0], plaintext); err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "sealed %s in %s\n", args[0], cfg.Secrets.Directory)
			return nil
		},
	}

	publicKey := &cli.Command{
		Name:    "public-key",
		Summary: "Print the public key secrets are sealed to",
		Flags:   func() *pflag.FlagSet { return configFlags("public-key") },
		Run: func(args []string) error {
			cfg, err := secretsConfig(configPath)
			if err != nil {
				return err
			}
			store, err := sealed.OpenStore(cfg.Secrets.Directory, cfg.Secrets.IdentityFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, store.PublicKey())
			return nil
		},
	}

	return &cli.Command{
		Name:        "secret",
		Summary:     "Manage sealed pipeline secrets",
		Subcommands: []*cli.Command{keygen, seal, publicKey},
	}
}

// secretsConfig loads the server config for its secrets paths. With
// no config file the built-in defaults apply.
func secretsConfig(path string) (*config.Config, error) {
	switch {
	case path != "":
		return config.LoadFile(path)
	case os.Getenv("CONVEYOR_CONFIG") != "":
		return config.Load()
	default:
		return config.Parse(nil)
	}
}

func generateIdentity(path string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("identity %s already exists (use --force to replace it)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return "", err
	}
	if err := sealed.WriteIdentity(path, keypair); err != nil {
		return "", err
	}
	return keypair.PublicKey, nil
}

// readSecret prompts without echo on a terminal and otherwise reads
// stdin to EOF. One trailing newline is dropped.
func (a *app) readSecret(name string) ([]byte, error) {
	if file, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprintf(a.stderr, "value for %s: ", name)
		value, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return nil, fmt.Errorf("reading secret: %w", err)
		}
		return value, nil
	}
	value, err := io.ReadAll(io.LimitReader(a.stdin, maxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	if len(value) > maxSecretSize {
		return nil, fmt.Errorf("secret exceeds %d bytes", maxSecretSize)
	}
	value = bytes.TrimSuffix(value, []byte("\n"))
	if len(value) == 0 {
		return nil, errors.New("empty secret value")
	}
	return value, nil
}
