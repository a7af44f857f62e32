package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-ircd/cmd"
)

func main() {
	host := flag.String("h", cmd.DefaultHost, "server hostname")
	port := flag.Int("p", cmd.DefaultPort, "server port")
	flag.Parse()

	cli := cmd.NewCli(cmd.CliConnInfo{HostIp: *host, HostPort: *port}, os.Stdout)
	if err := cli.Run(os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
