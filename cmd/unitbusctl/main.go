// Command unitbusctl is the command line front end to the unitbus driver.
package main

import (
	"fmt"
	"os"

	"github.com/ngenohkevin/unitbus/internal/logger"
)

func main() {
	err := newRootCmd(newApp()).Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
