package main

import "github.com/cameron-webmatter/pulse/pkg/cli"

func main() {
	cli.Execute()
}
