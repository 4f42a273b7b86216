package main

import (
	"os"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
