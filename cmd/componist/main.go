// Command componist schedules parameter compositions on a PTR-MS instrument.
package main

import "github.com/pytrms/componist/internal/cli"

func main() {
	cli.Execute()
}
