package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
	"github.com/everydev1618/threads/config"
	"github.com/everydev1618/threads/items"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Resolve and verify a tool's executor chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			c, err := e.resolver().Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tITEM\tSPACE\tVERSION\tEXECUTOR\tINTEGRITY")
			for i, el := range c.Elements {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.12s\n", i, el.ItemID, el.Space, el.Version, el.ExecutorID, el.Integrity)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain %s\n", c.Hash())
			return nil
		})
	},
}

var signKind string

var signCmd = &cobra.Command{
	Use:   "sign <file|item-id>...",
	Short: "Sign item files with the key in $THREADS_HOME/keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readSigningKey()
		if err != nil {
			return err
		}
		return withEnv(func(e *env) error {
			for _, arg := range args {
				path := arg
				if _, err := os.Stat(arg); err != nil {
					it, _, err := e.items.Manifest(cmd.Context(), capability.Kind(signKind), arg)
					if err != nil {
						return err
					}
					if path, err = e.items.Path(it.Space, it.Kind, it.ID); err != nil {
						return err
					}
				}
				sig, err := items.SignFile(path, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signed %s (%.12s by %s)\n", path, sig.Hash, sig.Fingerprint)
			}
			return nil
		})
	},
}

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a signing key and trust it in this project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.SigningKeyPath()
		if _, err := os.Stat(path); err == nil && !keygenForce {
			return fmt.Errorf("%s exists; use --force to replace it", path)
		}
		pub, priv, err := chain.GenerateKey()
		if err != nil {
			return err
		}
		privPEM, err := chain.EncodePrivateKey(priv)
		if err != nil {
			return err
		}
		if err := config.EnsureHome(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(path, privPEM, 0o600); err != nil {
			return err
		}
		return withEnv(func(e *env) error {
			fp, err := e.trust.Add(pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\ntrusted %s\n", path, fp)
			return nil
		})
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trusted signing keys",
}

var trustAddCmd = &cobra.Command{
	Use:   "add <public-key.pem>...",
	Short: "Trust public keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			for _, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				pub, err := chain.ParsePublicKey(data)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				fp, err := e.trust.Add(pub)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), fp)
			}
			return nil
		})
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted key fingerprints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			fps := e.trust.Fingerprints()
			sort.Strings(fps)
			for _, fp := range fps {
				fmt.Fprintln(cmd.OutOrStdout(), fp)
			}
			return nil
		})
	},
}

var trustRemoveCmd = &cobra.Command{
	Use:   "remove <fingerprint>...",
	Short: "Stop trusting keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			for _, fp := range args {
				if err := e.trust.Remove(fp); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate config and verify every item's signature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tITEM\tSPACE\tSTATUS")
			var failed int
			for _, kind := range []capability.Kind{capability.Directive, capability.Tool, capability.Knowledge} {
				entries, err := e.items.List(cmd.Context(), kind)
				if err != nil {
					return err
				}
				for _, en := range entries {
					status := "ok"
					if _, err := chain.Verify(en.Item, e.trust, nil); err != nil {
						status = err.Error()
						failed++
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, en.Item.ID, en.Item.Space, status)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d item(s) failed verification", failed)
			}
			return nil
		})
	},
}

func init() {
	signCmd.Flags().StringVar(&signKind, "kind", string(capability.Tool), "item kind when signing by id")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "replace an existing key")
	trustCmd.AddCommand(trustAddCmd, trustListCmd, trustRemoveCmd)
}

func readSigningKey() (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(config.SigningKeyPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no signing key at %s; run threads keygen", config.SigningKeyPath())
		}
		return nil, err
	}
	return chain.ParsePrivateKey(data)
}
