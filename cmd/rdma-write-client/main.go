// Command rdma-write-client connects to an adding server, writes two operands
// into the server's advertised buffer, notifies it, and prints the sum the
// server sends back.
//
//	rdma-write-client [flags] <server> <val1> <val2>
package main

import (
	"os"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
