// Command componistd serves one composition to an instrument bridge over gRPC.
package main

import "github.com/pytrms/componist/internal/cli"

func main() {
	cli.ExecuteDaemon()
}
