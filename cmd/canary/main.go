// Command canary discovers, schedules and runs parameterized test cases.
package main

import (
	"errors"
	"os"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/cli"
)

func main() {
	ctx, cancel := canary.InterruptibleContext()
	defer cancel()

	err := cli.ExecuteContext(ctx)
	if aerr := canary.RunAtExit(); aerr != nil && err == nil {
		err = aerr
	}

	code := 0
	if err != nil {
		code = 1
		var ec *cli.ExitCodeError
		if errors.As(err, &ec) {
			code = ec.Code
		}
	}
	os.Exit(code)
}
