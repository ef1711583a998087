// Command crawler is the stock crawler binary.
package main

import (
	"github.com/andrewkchan/crawler/cmd"
)

func main() {
	cmd.Execute()
}
