// evilbtsctl -- command-line client for the evilbts daemon.
package main

import "github.com/security-geeks/evilbts/cmd/evilbtsctl/commands"

func main() {
	commands.Execute()
}
