package main

import "github.com/vietddude/blobwatch/internal/cli"

func main() {
	cli.Execute()
}
