// Command parkride は駐車予約・ライド予約APIのエントリーポイント。
//
//	parkride [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/parkride/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parkride: %v\n", err)
		os.Exit(1)
	}
}
