// Package main provides the FieldSync core library entry point.
// The core is a platform-agnostic library embedded by the mobile client;
// this binary exists for version inspection and smoke checks.
package main

import (
	"fmt"
	"log"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	fmt.Printf("FieldSync Core v%s\n", Version)
	log.Println("FieldSync Go Core - Platform-Agnostic Sync Library")
}
