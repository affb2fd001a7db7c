package main

import "defi-alerts/internal/cli"

func main() {
	cli.Execute()
}
