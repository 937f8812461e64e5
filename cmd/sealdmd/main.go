package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/sealdm/internal/account"
	"github.com/matheus3301/sealdm/internal/daemon"
	"go.uber.org/fx"
)

var version = "dev"

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	socketFlag := flag.String("socket", "", "control socket path (default: inside the account dir)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{Account: name, SocketPath: *socketFlag, Version: version}),
	)

	app.Run()
}
