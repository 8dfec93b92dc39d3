package main

import "os"

// Windows consoles have no resize signal; the size sent on attach stands.
func notifyResize(chan<- os.Signal) {}
