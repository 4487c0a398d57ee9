package main

import (
	"fmt"
	"os"

	"folio/cmd/internal/passphrase"
	"folio/services/settled"
)

const defaultPassphraseEnv = "FOLIO_TREASURY_PASSPHRASE"

func passphraseFor(envVar string) settled.PassphraseFunc {
	if envVar == "" {
		envVar = defaultPassphraseEnv
	}
	return passphrase.NewSource(envVar).Get
}

func main() {
	if err := settled.Main(passphraseFor); err != nil {
		fmt.Fprintf(os.Stderr, "settled: %v\n", err)
		os.Exit(1)
	}
}
