package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	storeauth "github.com/arlobay/storefront-auth-go"
)

func main() {
	app := &cli.App{
		Name:    "Storefront Auth Helper",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateStoreKey,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateStoreKey = &cli.Command{
	Name:  "generate-store-key",
	Usage: "creates the sealing key for the sealed file token store",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Value: "./store.key",
		},
	},
	Action: func(cmd *cli.Context) error {
		key, err := storeauth.GenerateStoreKey()
		if err != nil {
			return err
		}

		out := cmd.String("out")
		if err := os.WriteFile(out, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return err
		}

		fmt.Printf("wrote store key to %s\n", out)

		return nil
	},
}
