package main

import (
	"io"
	"log"
	"os"
)

func init() {
	log.SetOutput(io.Discard)
}

func main() {
	os.Exit(root(os.Args[1:]...))
}
