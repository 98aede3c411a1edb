// Command sentinel-admin administers a running Sentinel control plane over its HTTP API.
package main

import "github.com/turtacn/sentinel/cmd/cli"

func main() {
	cli.Execute()
}
