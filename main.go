package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "ChronoMesh-Engine"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("Peer-to-peer time synchronization engine")
	fmt.Println("Status: Development")
	os.Exit(0)
}
