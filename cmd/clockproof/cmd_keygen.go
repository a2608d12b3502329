package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/clockproof/pkg/attest"
)

func (a *app) cmdKeygen(args []string) int {
	flags := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cert := flags.String("cert", a.cfg.Attestation.AnchorCert, "output path for the anchor certificate")
	key := flags.String("key", a.cfg.Attestation.AnchorKey, "output path for the anchor private key")
	cn := flags.String("cn", "clockproof anchor", "certificate common name")
	force := flags.Bool("force", false, "overwrite existing files")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if !*force {
		for _, p := range []string{*cert, *key} {
			if _, err := os.Stat(p); err == nil {
				fmt.Fprintf(os.Stderr, "clockproof: keygen: %s already exists (use --force)\n", p)
				return 1
			}
		}
	}

	anchor, err := attest.GenerateAnchor(*cn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: keygen: %v\n", err)
		return 1
	}
	if err := anchor.WritePEM(*cert, *key); err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: keygen: %v\n", err)
		return 1
	}

	fmt.Printf("anchor certificate: %s\n", *cert)
	fmt.Printf("anchor key:         %s\n", *key)
	return 0
}
