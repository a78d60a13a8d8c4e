// Command epsdatastore inspects and maintains the EPS prescription datastore.
package main

import "github.com/NHSDigital/eps-spine-shared-sub000/internal/cli"

func main() {
	cli.Execute()
}
